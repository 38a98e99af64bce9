/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package zone answers localhost and reverse-loopback lookups directly,
// plus any admin-configured static forward (A/AAAA) entries, without
// forwarding them upstream. Static reverse (PTR) entries are not supported.
package zone

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/dnsutils"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/domain"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

const PluginType = "zone"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*zone)(nil)

const (
	localhostFQDN = "localhost."
	loopbackPTR4  = "1.0.0.127.in-addr.arpa."
)

type staticEntry struct {
	a    netip.Addr
	has4 bool
	aaaa netip.Addr
	has6 bool
}

type Args struct {
	// Entries are "name:ipv4,ipv6" forward records, e.g. "nas.lan:192.168.1.2".
	Entries []string `yaml:"entries"`
}

type zone struct {
	*coremain.BP
	static *domain.MixMatcher[staticEntry]
}

func Init(bp *coremain.BP, args interface{}) (coremain.Plugin, error) {
	return newZone(bp, args.(*Args))
}

func newZone(bp *coremain.BP, args *Args) (*zone, error) {
	m := domain.NewMixMatcher[staticEntry]()
	for _, line := range args.Entries {
		name, addrs, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("invalid zone entry %q, expected name:addr[,addr]", line)
		}
		var e staticEntry
		for _, a := range strings.Split(addrs, ",") {
			a = strings.TrimSpace(a)
			if len(a) == 0 {
				continue
			}
			addr, err := netip.ParseAddr(a)
			if err != nil {
				return nil, fmt.Errorf("invalid zone entry %q: %w", line, err)
			}
			if addr.Is4() {
				e.a, e.has4 = addr, true
			} else {
				e.aaaa, e.has6 = addr, true
			}
		}
		if err := m.Add("full:"+dns.Fqdn(name), e); err != nil {
			return nil, fmt.Errorf("invalid zone entry %q: %w", line, err)
		}
	}
	return &zone{BP: bp, static: m}, nil
}

func (z *zone) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	q := qCtx.Q()
	if q == nil || len(q.Question) != 1 {
		return executable_seq.ExecChainNode(ctx, qCtx, next)
	}
	question := q.Question[0]

	if resp := z.answerBuiltin(q, question); resp != nil {
		qCtx.SetResponse(resp)
		return nil
	}

	if e, ok := z.static.Match(question.Name); ok {
		if resp := z.answerStatic(q, question, e); resp != nil {
			qCtx.SetResponse(resp)
			return nil
		}
	}

	return executable_seq.ExecChainNode(ctx, qCtx, next)
}

func (z *zone) answerBuiltin(q *dns.Msg, question dns.Question) *dns.Msg {
	switch {
	case strings.EqualFold(question.Name, localhostFQDN):
		switch question.Qtype {
		case dns.TypeA:
			return reply(q, &dns.A{
				Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 86400},
				A:   net.IPv4(127, 0, 0, 1),
			})
		case dns.TypeAAAA:
			return reply(q, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: question.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 86400},
				AAAA: net.IPv6loopback,
			})
		default:
			return dnsutils.GenEmptyReply(q, dns.RcodeSuccess)
		}

	case strings.EqualFold(question.Name, loopbackPTR4) && question.Qtype == dns.TypePTR:
		return reply(q, &dns.PTR{
			Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 86400},
			Ptr: localhostFQDN,
		})
	}
	return nil
}

func (z *zone) answerStatic(q *dns.Msg, question dns.Question, e staticEntry) *dns.Msg {
	switch question.Qtype {
	case dns.TypeA:
		if e.has4 {
			return reply(q, &dns.A{
				Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 600},
				A:   e.a.AsSlice(),
			})
		}
	case dns.TypeAAAA:
		if e.has6 {
			return reply(q, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: question.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 600},
				AAAA: e.aaaa.AsSlice(),
			})
		}
	}
	if e.has4 || e.has6 {
		return dnsutils.GenEmptyReply(q, dns.RcodeSuccess)
	}
	return nil
}

func reply(q *dns.Msg, rr dns.RR) *dns.Msg {
	r := new(dns.Msg)
	r.SetRcode(q, dns.RcodeSuccess)
	r.RecursionAvailable = true
	r.Answer = []dns.RR{rr}
	return r
}
