/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package speedtest reorders A/AAAA answers by measured reachability so
// the fastest/most-reachable address is returned first.
package speedtest

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/domain"
	"github.com/IrineSistiana/smartfwd/pkg/probe"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

const PluginType = "speedtest"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*speedTest)(nil)

type Args struct {
	Mode    []string `yaml:"mode"`    // "ping" and/or "tcp:PORT", default ["ping"]
	Timeout int      `yaml:"timeout"` // ms, default 100
	Exclude []string `yaml:"exclude"` // domain-matcher skip list
}

type speedTest struct {
	*coremain.BP
	modes   []probe.Mode
	timeout time.Duration
	exclude *domain.MatcherGroup[struct{}]
}

func Init(bp *coremain.BP, args interface{}) (coremain.Plugin, error) {
	return newSpeedTest(bp, args.(*Args))
}

func newSpeedTest(bp *coremain.BP, args *Args) (*speedTest, error) {
	modes := args.Mode
	if len(modes) == 0 {
		modes = []string{"ping"}
	}
	st := &speedTest{BP: bp, timeout: time.Duration(args.Timeout) * time.Millisecond}
	if st.timeout <= 0 {
		st.timeout = 100 * time.Millisecond
	}
	for _, m := range modes {
		if m == "ping" {
			st.modes = append(st.modes, probe.ModeICMP)
		} else {
			st.modes = append(st.modes, probe.Mode(m))
		}
	}

	if len(args.Exclude) > 0 {
		mg, err := domain.BatchLoadDomainProvider(args.Exclude, bp.M().GetDataManager())
		if err != nil {
			return nil, err
		}
		st.exclude = mg
	}

	return st, nil
}

// Exec is a post-processing stage: it lets the rest of the chain resolve
// the answer first, then reorders it.
func (s *speedTest) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	err := executable_seq.ExecChainNode(ctx, qCtx, next)
	if err != nil {
		return err
	}

	r := qCtx.R()
	if r == nil || len(r.Question) == 0 {
		return nil
	}
	if s.exclude != nil {
		if _, ok := s.exclude.Match(r.Question[0].Name); ok {
			return nil
		}
	}

	s.reorder(ctx, r)
	return nil
}

type rankedAnswer struct {
	rr  dns.RR
	ok  bool
	rtt time.Duration
}

func (s *speedTest) reorder(ctx context.Context, r *dns.Msg) {
	type candidate struct {
		idx  int
		addr netip.Addr
	}
	var candidates []candidate
	for i, rr := range r.Answer {
		var addr netip.Addr
		var ok bool
		switch v := rr.(type) {
		case *dns.A:
			addr, ok = netip.AddrFromSlice(v.A.To4())
		case *dns.AAAA:
			addr, ok = netip.AddrFromSlice(v.AAAA.To16())
		}
		if ok {
			candidates = append(candidates, candidate{idx: i, addr: addr})
		}
	}
	if len(candidates) < 2 {
		return
	}

	results := make([]rankedAnswer, len(r.Answer))
	for i, rr := range r.Answer {
		results[i] = rankedAnswer{rr: rr}
	}

	var wg sync.WaitGroup
	for _, c := range candidates {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			best := Result{}
			for _, mode := range s.modes {
				res := probe.Probe(ctx, c.addr, mode, s.timeout)
				if res.OK && (!best.OK || res.RTT < best.RTT) {
					best = res
				}
			}
			results[c.idx] = rankedAnswer{rr: r.Answer[c.idx], ok: best.OK, rtt: best.RTT}
		}()
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].ok != results[j].ok {
			return results[i].ok
		}
		if results[i].ok {
			return results[i].rtt < results[j].rtt
		}
		return false
	})

	for i, res := range results {
		r.Answer[i] = res.rr
	}
}

type Result = probe.Result
