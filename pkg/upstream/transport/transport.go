/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of mosdns.
 */

// Package transport implements the length-prefixed DNS-over-TCP framing
// shared by plain TCP and TLS (DoT) upstreams, and by plain UDP upstreams
// as a fallback for truncated responses.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/smartfwd/pkg/pool"
)

const defaultDialTimeout = 5 * time.Second

// Transport dials a fresh connection per exchange and speaks the two-byte
// length-prefixed DNS wire format over it. It keeps no connection pool:
// DoT/TCP upstreams are a comparatively rare fallback path, and a new
// connection per query keeps this honest under concurrent callers.
type Transport struct {
	dialFunc func(ctx context.Context) (net.Conn, error)
	timeout  time.Duration
}

// NewTransport wraps dialFunc into a Transport. timeout bounds each
// exchange's dial+write+read round trip; zero uses a 5s default.
func NewTransport(dialFunc func(ctx context.Context) (net.Conn, error), timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &Transport{dialFunc: dialFunc, timeout: timeout}
}

// ExchangeContext performs one query/response round trip. It returns the
// raw response bytes alongside the parsed message so callers that want to
// forward the wire bytes verbatim (e.g. a cache storing raw responses)
// don't need to re-pack them.
func (t *Transport) ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := t.dialFunc(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	wire, buf, err := pool.PackBuffer(q)
	if err != nil {
		return nil, nil, err
	}
	defer buf.Release()

	if err := writeMsg(conn, wire); err != nil {
		return nil, nil, fmt.Errorf("failed to write query: %w", err)
	}

	raw, err := readMsg(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	r := new(dns.Msg)
	if err := r.Unpack(raw); err != nil {
		return nil, nil, fmt.Errorf("failed to unpack response: %w", err)
	}
	return r, raw, nil
}

func writeMsg(w io.Writer, wire []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(wire)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(wire)
	return err
}

func readMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("zero-length message")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
