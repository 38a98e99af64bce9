/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of mosdns.
 */

// Package upstream is the single entry point fast_forward (and anything
// else that talks to a configured nameserver) uses to turn an address
// string into a working client: plain UDP/TCP, DoT, DoH, or DoH3,
// optionally dialed through a SOCKS5 proxy.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
	eHTTP "gitlab.com/go-extension/http"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/IrineSistiana/smartfwd/pkg/upstream/doh"
	"github.com/IrineSistiana/smartfwd/pkg/upstream/doh3"
	"github.com/IrineSistiana/smartfwd/pkg/upstream/transport"
	"github.com/IrineSistiana/smartfwd/pkg/upstream/udp"
)

// Upstream is what every wire protocol adapter in this package, and
// fast_forward's upstreamWrapper, is built against.
type Upstream interface {
	ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Close() error
}

// Opt configures NewUpstream. Fields not relevant to the resolved
// protocol are silently ignored (e.g. Socks5 has no effect on a DoH3
// upstream, which dials over QUIC/UDP).
type Opt struct {
	DialAddr       string // overrides the host:port parsed from addr
	Socks5         string
	S5Username     string
	S5Password     string
	SoMark         int
	BindToDevice   string
	IdleTimeout    time.Duration
	MaxConns       int
	EnablePipeline bool
	Bootstrap      string // not read by NewUpstream; host names in addr go through the dialer's normal resolver
	Insecure       bool
	RootCAs        *x509.CertPool
	KernelTX       bool
	KernelRX       bool
	Logger         *zap.Logger
}

func (opt *Opt) logger() *zap.Logger {
	if opt != nil && opt.Logger != nil {
		return opt.Logger
	}
	return zap.NewNop()
}

// NewUpstream builds an Upstream for addr. addr is a URL; a bare
// "host:port" with no scheme is treated as plain UDP.
//
//	udp://1.1.1.1:53                   plain UDP (TCP fallback on truncation)
//	tcp://1.1.1.1:53                   plain TCP
//	tls://1.1.1.1:853?sni=dot.example  DNS-over-TLS
//	https://dot.example/dns-query      DNS-over-HTTPS
//	h3://dot.example/dns-query         DNS-over-HTTP/3 (DoH3/DoQ transport)
func NewUpstream(addr string, opt *Opt) (Upstream, error) {
	if opt == nil {
		opt = new(Opt)
	}

	scheme, rest := splitScheme(addr)
	switch scheme {
	case "", "udp":
		return newUDPUpstream(rest, opt)
	case "tcp":
		return newTCPUpstream(rest, opt)
	case "tls":
		return newTLSUpstream(rest, opt)
	case "https", "h2", "doh":
		return newDoHUpstream(rest, opt)
	case "h3", "quic", "doq", "doh3":
		return newDoH3Upstream(rest, opt)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", scheme)
	}
}

func splitScheme(addr string) (scheme, rest string) {
	i := strings.Index(addr, "://")
	if i < 0 {
		return "", addr
	}
	return addr[:i], addr[i+3:]
}

func dialAddrOf(addr string, opt *Opt) string {
	if len(opt.DialAddr) > 0 {
		return opt.DialAddr
	}
	return addr
}

// baseDialer returns the net.Dialer a raw TCP/UDP dial should use, wired
// for SO_MARK / bind-to-device where the platform supports it.
func (opt *Opt) baseDialer() *net.Dialer {
	d := &net.Dialer{Timeout: defaultDialTimeout}
	applyDialerControls(d, opt)
	return d
}

const defaultDialTimeout = 5 * time.Second

func dialTCP(ctx context.Context, network, addr string, opt *Opt) (net.Conn, error) {
	if len(opt.Socks5) > 0 {
		return dialSocks5(ctx, network, addr, opt)
	}
	return opt.baseDialer().DialContext(ctx, network, addr)
}

func dialSocks5(ctx context.Context, network, addr string, opt *Opt) (net.Conn, error) {
	var auth *proxy.Auth
	if len(opt.S5Username) > 0 {
		auth = &proxy.Auth{User: opt.S5Username, Password: opt.S5Password}
	}
	d, err := proxy.SOCKS5(network, opt.Socks5, auth, opt.baseDialer())
	if err != nil {
		return nil, fmt.Errorf("failed to init socks5 dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dial(network, addr)
}

func newUDPUpstream(addr string, opt *Opt) (Upstream, error) {
	dial := dialAddrOf(addr, opt)
	dialFunc := func(ctx context.Context) (net.Conn, error) {
		if len(opt.Socks5) > 0 {
			return dialSocks5(ctx, "udp", dial, opt)
		}
		return opt.baseDialer().DialContext(ctx, "udp", dial)
	}

	tcpTransport := transport.NewTransport(func(ctx context.Context) (net.Conn, error) {
		return dialTCP(ctx, "tcp", dial, opt)
	}, opt.IdleTimeout)

	u, err := udp.NewUDPUpstream(dialFunc, tcpTransport)
	if err != nil {
		return nil, err
	}
	return &udpAdapter{u: u}, nil
}

type udpAdapter struct {
	u *udp.Upstream
}

func (a *udpAdapter) ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	r, raw, err := a.u.ExchangeContext(ctx, q)
	if err != nil || r != nil {
		return r, err
	}
	// Non-truncated UDP replies come back as raw wire bytes only.
	r = new(dns.Msg)
	if err := r.Unpack(raw); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *udpAdapter) Close() error { return a.u.Close() }

func newTCPUpstream(addr string, opt *Opt) (Upstream, error) {
	dial := dialAddrOf(addr, opt)
	t := transport.NewTransport(func(ctx context.Context) (net.Conn, error) {
		return dialTCP(ctx, "tcp", dial, opt)
	}, opt.IdleTimeout)
	return &transportAdapter{t: t}, nil
}

// newTLSUpstream builds a DNS-over-TLS upstream. addr may carry a
// "?sni=name" query component to set the handshake server name
// separately from the dial address.
func newTLSUpstream(addr string, opt *Opt) (Upstream, error) {
	host, sni := splitSNI(addr)
	dial := dialAddrOf(host, opt)

	cfg := &eTLS.Config{
		ServerName:         sni,
		InsecureSkipVerify: opt.Insecure,
		RootCAs:            opt.RootCAs,
	}
	if len(cfg.ServerName) == 0 {
		if h, _, err := net.SplitHostPort(host); err == nil {
			cfg.ServerName = h
		}
	}

	t := transport.NewTransport(func(ctx context.Context) (net.Conn, error) {
		rawConn, err := dialTCP(ctx, "tcp", dial, opt)
		if err != nil {
			return nil, err
		}
		tlsConn := eTLS.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("tls handshake failed: %w", err)
		}
		return tlsConn, nil
	}, opt.IdleTimeout)
	return &transportAdapter{t: t}, nil
}

func splitSNI(addr string) (host, sni string) {
	i := strings.Index(addr, "?sni=")
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+len("?sni="):]
}

type transportAdapter struct {
	t *transport.Transport
}

func (a *transportAdapter) ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	r, _, err := a.t.ExchangeContext(ctx, q)
	return r, err
}

func (a *transportAdapter) Close() error { return nil }

func newDoHUpstream(rest string, opt *Opt) (Upstream, error) {
	u, err := url.Parse("https://" + rest)
	if err != nil {
		return nil, fmt.Errorf("invalid doh url: %w", err)
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: opt.Insecure,
		RootCAs:            opt.RootCAs,
		ServerName:         u.Hostname(),
	}

	dialAddr := opt.DialAddr
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		target := addr
		if len(dialAddr) > 0 {
			target = dialAddr
		}
		if len(opt.Socks5) > 0 {
			return dialSocks5(ctx, network, target, opt)
		}
		return opt.baseDialer().DialContext(ctx, network, target)
	}

	rt := &eHTTP.Transport{
		DialContext:         dialContext,
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        opt.MaxConns,
		IdleConnTimeout:     opt.IdleTimeout,
		TLSHandshakeTimeout: defaultDialTimeout,
	}
	return &dohAdapter{u: doh.NewUpstream(u, rt)}, nil
}

type dohAdapter struct {
	u *doh.Upstream
}

func (a *dohAdapter) ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	return a.u.Exchange(ctx, q)
}

func (a *dohAdapter) Close() error { return a.u.Close() }

func newDoH3Upstream(rest string, opt *Opt) (Upstream, error) {
	u, err := url.Parse("https://" + rest)
	if err != nil {
		return nil, fmt.Errorf("invalid doh3 url: %w", err)
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: opt.Insecure,
		RootCAs:            opt.RootCAs,
		ServerName:         u.Hostname(),
		NextProtos:         []string{"h3"},
	}
	rt := newHTTP3Transport(tlsCfg, opt)
	return doh3.NewUpstream(u, rt), nil
}
