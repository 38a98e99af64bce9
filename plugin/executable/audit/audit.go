/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package audit writes one line per query to a rotating log file from a
// background goroutine, never blocking the query path.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/dnsutils"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

const PluginType = "audit"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*audit)(nil)

type Args struct {
	File      string `yaml:"file"`
	Size      int64  `yaml:"size"`       // bytes, rotate threshold; 0 = no rotation
	Num       int    `yaml:"num"`        // number of rotated files kept
	QueueSize int    `yaml:"queue_size"` // default 4096
}

type auditRecord struct {
	ts     time.Time
	client string
	name   string
	qtype  string
	rcode  int
	took   time.Duration
}

type audit struct {
	*coremain.BP
	records chan auditRecord

	rotator *rotator

	dropped prometheus.Counter

	closeOnce sync.Once
	done      chan struct{}
}

func Init(bp *coremain.BP, args interface{}) (coremain.Plugin, error) {
	return newAudit(bp, args.(*Args))
}

func newAudit(bp *coremain.BP, args *Args) (*audit, error) {
	if len(args.File) == 0 {
		return nil, fmt.Errorf("audit plugin requires a file path")
	}
	queueSize := args.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	num := args.Num
	if num <= 0 {
		num = 5
	}

	r, err := newRotator(args.File, args.Size, num)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	a := &audit{
		BP:      bp,
		records: make(chan auditRecord, queueSize),
		rotator: r,
		done:    make(chan struct{}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_dropped_total", Help: "Total audit records dropped because the queue was full"}),
	}
	bp.GetMetricsReg().MustRegister(a.dropped)

	go a.run()
	return a, nil
}

func (a *audit) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	start := time.Now()
	err := executable_seq.ExecChainNode(ctx, qCtx, next)

	q := qCtx.Q()
	if q != nil && len(q.Question) > 0 {
		rec := auditRecord{
			ts:     start,
			client: qCtx.ReqMeta().GetClientAddr().String(),
			name:   q.Question[0].Name,
			qtype:  dnsutils.QtypeToString(q.Question[0].Qtype),
			took:   time.Since(start),
		}
		if r := qCtx.R(); r != nil {
			rec.rcode = r.Rcode
		} else {
			rec.rcode = -1
		}
		select {
		case a.records <- rec:
		default:
			a.dropped.Inc()
		}
	}
	return err
}

func (a *audit) run() {
	defer close(a.done)
	for rec := range a.records {
		line := formatRecord(rec)
		if err := a.rotator.write(line); err != nil {
			a.L().Warn("audit write failed", zap.Error(err))
		}
	}
}

func (a *audit) Shutdown() error {
	a.closeOnce.Do(func() {
		close(a.records)
	})
	<-a.done
	return a.rotator.Close()
}

func formatRecord(rec auditRecord) string {
	return rec.ts.Format(time.RFC3339) + "\t" + rec.client + "\t" + rec.name + "\t" + rec.qtype + "\t" + strconv.Itoa(rec.rcode) + "\t" + rec.took.String() + "\n"
}

// rotator is a small self-rolled size-based log rotator: no third-party
// rotation library appears anywhere in the pack, so this is written
// directly against os/filepath.
type rotator struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxFiles int
	f        *os.File
	size     int64
}

func newRotator(path string, maxSize int64, maxFiles int) (*rotator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotator{path: path, maxSize: maxSize, maxFiles: maxFiles, f: f, size: st.Size()}, nil
}

func (r *rotator) write(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSize > 0 && r.size+int64(len(s)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return err
		}
	}
	n, err := r.f.WriteString(s)
	r.size += int64(n)
	return err
}

func (r *rotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	for i := r.maxFiles - 1; i > 0; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		dst := fmt.Sprintf("%s.%d", r.path, i+1)
		if i+1 > r.maxFiles {
			os.Remove(src)
			continue
		}
		os.Rename(src, dst)
	}
	os.Rename(r.path, r.path+".1")

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
