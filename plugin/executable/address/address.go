/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package address answers queries per-domain with a configured address or
// a synthesized NXDOMAIN, generalizing blackhole's single fixed rule to a
// domain-matcher-driven rule set.
package address

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/dnsutils"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/domain"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

const PluginType = "address"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*address)(nil)

// rule is the parsed form of one "/domain/target" entry. target "-" means
// blocked (NXDOMAIN); anything else, including "0.0.0.0" and "::", is a
// literal IPv4/IPv6 address answered with NOERROR.
type rule struct {
	blocked bool
	addr    netip.Addr
	hasAddr bool
}

type Args struct {
	// Rules entries are "/domain.or.suffix/target", one target per line;
	// domain is matched via the default domain matcher (suffix match).
	Rules []string `yaml:"rules"`
}

type address struct {
	*coremain.BP
	matcher *domain.MixMatcher[rule]
}

func Init(bp *coremain.BP, args interface{}) (coremain.Plugin, error) {
	return newAddress(bp, args.(*Args))
}

func newAddress(bp *coremain.BP, args *Args) (*address, error) {
	m := domain.NewMixMatcher[rule]()
	for _, line := range args.Rules {
		pattern, r, err := parseRule(line)
		if err != nil {
			return nil, fmt.Errorf("invalid address rule %q: %w", line, err)
		}
		if err := m.Add(pattern, r); err != nil {
			return nil, fmt.Errorf("invalid address rule %q: %w", line, err)
		}
	}
	return &address{BP: bp, matcher: m}, nil
}

// parseRule parses a "/domain/target" line into a matcher pattern and rule.
func parseRule(line string) (pattern string, r rule, err error) {
	domainPart, target, err := splitRule(line)
	if err != nil {
		return "", rule{}, err
	}

	switch target {
	case "-":
		return domainPart, rule{blocked: true}, nil
	default:
		addr, err := netip.ParseAddr(target)
		if err != nil {
			return "", rule{}, fmt.Errorf("invalid target address %q: %w", target, err)
		}
		return domainPart, rule{addr: addr, hasAddr: true}, nil
	}
}

func splitRule(line string) (domainPart, target string, err error) {
	if len(line) == 0 || line[0] != '/' {
		return "", "", fmt.Errorf("rule must start with '/', got %q", line)
	}
	rest := line[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("missing closing '/' in rule %q", line)
}

func (a *address) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	q := qCtx.Q()
	if q == nil || len(q.Question) != 1 {
		return executable_seq.ExecChainNode(ctx, qCtx, next)
	}

	r, ok := a.matcher.Match(q.Question[0].Name)
	if !ok {
		return executable_seq.ExecChainNode(ctx, qCtx, next)
	}

	a.answer(qCtx, r)
	return nil
}

func (a *address) answer(qCtx *query_context.Context, r rule) {
	q := qCtx.Q()
	question := q.Question[0]

	if r.blocked || !r.hasAddr {
		qCtx.SetResponse(dnsutils.GenEmptyReply(q, dns.RcodeNameError))
		return
	}

	switch {
	case question.Qtype == dns.TypeA && r.addr.Is4():
		resp := new(dns.Msg)
		resp.SetRcode(q, dns.RcodeSuccess)
		resp.RecursionAvailable = true
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 600},
			A:   r.addr.AsSlice(),
		}}
		qCtx.SetResponse(resp)

	case question.Qtype == dns.TypeAAAA && r.addr.Is6() && !r.addr.Is4In6():
		resp := new(dns.Msg)
		resp.SetRcode(q, dns.RcodeSuccess)
		resp.RecursionAvailable = true
		resp.Answer = []dns.RR{&dns.AAAA{
			Hdr:  dns.RR_Header{Name: question.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 600},
			AAAA: r.addr.AsSlice(),
		}}
		qCtx.SetResponse(resp)

	default:
		// Address family mismatch (e.g. A query with a configured IPv6
		// target): answer with an empty NOERROR, not NXDOMAIN, since the
		// name is legitimately configured, just not for this type.
		resp := dnsutils.GenEmptyReply(q, dns.RcodeSuccess)
		qCtx.SetResponse(resp)
	}
}
