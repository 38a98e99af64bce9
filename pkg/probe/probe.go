// Package probe does lightweight reachability checks ("is this address
// worth answering with") via ICMP echo or a bare TCP connect, coalescing
// concurrent probes of the same target into one in-flight check.
package probe

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/IrineSistiana/smartfwd/mlog"
)

type Mode string

const (
	ModeICMP Mode = "icmp"
	ModeBoth Mode = "both"
)

// parseTCPPort extracts PORT from a "tcp:PORT" mode string.
func parseTCPPort(mode string) (port string, ok bool) {
	p, ok := strings.CutPrefix(mode, "tcp:")
	return p, ok
}

type Result struct {
	OK  bool
	RTT time.Duration
}

var (
	icmpOnce        sync.Once
	icmpUnavailable bool
)

// Probe checks whether addr is reachable under mode ("icmp", "tcp:PORT",
// or "both") within deadline. It never returns an error: an
// unreachable/unsupported probe is reported as Result{OK: false}.
func Probe(ctx context.Context, addr netip.Addr, mode Mode, deadline time.Duration) Result {
	key := string(mode) + "|" + addr.String()
	return coalesce(key, func() Result {
		return probeUncoalesced(ctx, addr, mode, deadline)
	})
}

func probeUncoalesced(ctx context.Context, addr netip.Addr, mode Mode, deadline time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if port, ok := parseTCPPort(string(mode)); ok {
		return probeTCP(ctx, addr, port)
	}

	if mode == ModeBoth {
		resCh := make(chan Result, 2)
		go func() { resCh <- probeICMP(ctx, addr) }()
		go func() { resCh <- probeTCP(ctx, addr, "80") }()
		select {
		case r := <-resCh:
			if r.OK {
				return r
			}
			select {
			case r2 := <-resCh:
				return r2
			case <-ctx.Done():
				return Result{}
			}
		case <-ctx.Done():
			return Result{}
		}
	}

	return probeICMP(ctx, addr)
}

func probeTCP(ctx context.Context, addr netip.Addr, port string) Result {
	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), port))
	if err != nil {
		return Result{}
	}
	conn.Close()
	return Result{OK: true, RTT: time.Since(start)}
}

func probeICMP(ctx context.Context, addr netip.Addr) Result {
	icmpOnce.Do(func() {
		if _, err := listenICMP(addr.Is4()); err != nil {
			icmpUnavailable = true
			mlog.L().Warn("icmp probing unavailable, speedtest will fall back to tcp:80")
		}
	})
	if icmpUnavailable {
		return probeTCP(ctx, addr, "80")
	}

	conn, err := listenICMP(addr.Is4())
	if err != nil {
		return probeTCP(ctx, addr, "80")
	}
	defer conn.Close()

	id := int(time.Now().UnixNano() & 0xffff)
	seq := 1
	var msg icmp.Message
	var proto int
	if addr.Is4() {
		msg = icmp.Message{Type: ipv4.ICMPTypeEcho, Code: 0, Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("smartfwd")}}
		proto = 1 // ICMP
	} else {
		msg = icmp.Message{Type: ipv6.ICMPTypeEchoRequest, Code: 0, Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("smartfwd")}}
		proto = 58 // ICMPv6
	}

	b, err := msg.Marshal(nil)
	if err != nil {
		return Result{}
	}

	dst := &net.UDPAddr{IP: net.IP(addr.AsSlice())}
	start := time.Now()
	if _, err := conn.WriteTo(b, dst); err != nil {
		return Result{}
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return Result{}
		}
		rm, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		switch body := rm.Body.(type) {
		case *icmp.Echo:
			if body.ID == id && body.Seq == seq {
				return Result{OK: true, RTT: time.Since(start)}
			}
		}
		select {
		case <-ctx.Done():
			return Result{}
		default:
		}
	}
}

func listenICMP(v4 bool) (*icmp.PacketConn, error) {
	if v4 {
		return icmp.ListenPacket("udp4", "0.0.0.0")
	}
	return icmp.ListenPacket("udp6", "::")
}

// pendingProbe coalesces concurrent Probe calls for the same key: the
// first caller runs f and stores the result; every other caller waits on
// done and reads the same result, mirroring the pending-reply map
// pattern pkg/upstream/udp uses to fan a single reply out to all
// waiters.
type pendingProbe struct {
	done   chan struct{}
	result Result
}

var (
	pendingMu sync.Mutex
	pending   = make(map[string]*pendingProbe)
)

func coalesce(key string, f func() Result) Result {
	pendingMu.Lock()
	if p, ok := pending[key]; ok {
		pendingMu.Unlock()
		<-p.done
		return p.result
	}
	p := &pendingProbe{done: make(chan struct{})}
	pending[key] = p
	pendingMu.Unlock()

	r := f()
	p.result = r
	close(p.done)

	pendingMu.Lock()
	delete(pending, key)
	pendingMu.Unlock()
	return r
}
