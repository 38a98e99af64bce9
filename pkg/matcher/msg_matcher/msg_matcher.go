// Package msg_matcher adapts the elem/domain/netlist matchers to the
// executable_seq.Matcher interface, reading the fields they need off a
// query_context.Context.
package msg_matcher

import (
	"context"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/smartfwd/pkg/dnsutils"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/domain"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/elem"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/netlist"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

type ClientIPMatcher struct{ l *netlist.List }

func NewClientIPMatcher(l *netlist.List) *ClientIPMatcher { return &ClientIPMatcher{l: l} }

func (m *ClientIPMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	return m.l.Match(qCtx.ReqMeta().GetClientAddr()), nil
}

type ClientECSMatcher struct{ l *netlist.List }

func NewClientECSMatcher(l *netlist.List) *ClientECSMatcher { return &ClientECSMatcher{l: l} }

func (m *ClientECSMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	opt := qCtx.Q().IsEdns0()
	if opt == nil {
		return false, nil
	}
	ecs := dnsutils.GetECS(opt)
	if ecs == nil {
		return false, nil
	}
	addr, ok := netip.AddrFromSlice(ecs.Address)
	if !ok {
		return false, nil
	}
	return m.l.Match(addr), nil
}

type QNameMatcher struct{ m *domain.MatcherGroup[struct{}] }

func NewQNameMatcher(m *domain.MatcherGroup[struct{}]) *QNameMatcher { return &QNameMatcher{m: m} }

func (m *QNameMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	q := qCtx.Q()
	if len(q.Question) == 0 {
		return false, nil
	}
	_, ok := m.m.Match(q.Question[0].Name)
	return ok, nil
}

type CNameMatcher struct{ m *domain.MatcherGroup[string] }

func NewCNameMatcher(m *domain.MatcherGroup[string]) *CNameMatcher { return &CNameMatcher{m: m} }

func (m *CNameMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	r := qCtx.R()
	if r == nil {
		return false, nil
	}
	for _, rr := range r.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			if _, ok := m.m.Match(cname.Target); ok {
				return true, nil
			}
		}
	}
	return false, nil
}

type QTypeMatcher struct{ m *elem.IntMatcher }

func NewQTypeMatcher(m *elem.IntMatcher) *QTypeMatcher { return &QTypeMatcher{m: m} }

func (m *QTypeMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	q := qCtx.Q()
	if len(q.Question) == 0 {
		return false, nil
	}
	return m.m.Match(int(q.Question[0].Qtype)), nil
}

type QClassMatcher struct{ m *elem.IntMatcher }

func NewQClassMatcher(m *elem.IntMatcher) *QClassMatcher { return &QClassMatcher{m: m} }

func (m *QClassMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	q := qCtx.Q()
	if len(q.Question) == 0 {
		return false, nil
	}
	return m.m.Match(int(q.Question[0].Qclass)), nil
}

type RCodeMatcher struct{ m *elem.IntMatcher }

func NewRCodeMatcher(m *elem.IntMatcher) *RCodeMatcher { return &RCodeMatcher{m: m} }

func (m *RCodeMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	r := qCtx.R()
	if r == nil {
		return false, nil
	}
	return m.m.Match(r.Rcode), nil
}

// AAAAAIPMatcher matches A/AAAA answer addresses against a netlist. Named
// to match the call site in response_matcher.go.
type AAAAAIPMatcher struct{ l *netlist.List }

func NewAAAAAIPMatcher(l *netlist.List) *AAAAAIPMatcher { return &AAAAAIPMatcher{l: l} }

func (m *AAAAAIPMatcher) Match(_ context.Context, qCtx *query_context.Context) (bool, error) {
	r := qCtx.R()
	if r == nil {
		return false, nil
	}
	for _, rr := range r.Answer {
		var addr netip.Addr
		var ok bool
		switch v := rr.(type) {
		case *dns.A:
			addr, ok = netip.AddrFromSlice(v.A.To4())
		case *dns.AAAA:
			addr, ok = netip.AddrFromSlice(v.AAAA.To16())
		}
		if ok && m.l.Match(addr) {
			return true, nil
		}
	}
	return false, nil
}
