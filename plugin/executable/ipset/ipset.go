/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package ipset adds resolved addresses into a kernel ipset set
// for downstream firewall-based policy routing. It observes responses
// after NameServer has answered; it never alters the response itself.
package ipset

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/domain"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

const PluginType = "ipset"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*ipsetPlugin)(nil)

type Rule struct {
	Set   string `yaml:"set"`
	Rule  string `yaml:"rule"` // domain-matcher pattern, e.g. "domain:example.com"
	Mask4 int    `yaml:"mask4"`
	Mask6 int    `yaml:"mask6"`
}

type Args struct {
	Sets []Rule `yaml:"ipset"`
}

type ipsetPlugin struct {
	*coremain.BP
	matcher      *domain.MixMatcher[string] // maps domain pattern -> set name
	warnOnce     sync.Once
}

func Init(bp *coremain.BP, args interface{}) (coremain.Plugin, error) {
	return newIPSet(bp, args.(*Args))
}

func newIPSet(bp *coremain.BP, args *Args) (*ipsetPlugin, error) {
	m := domain.NewMixMatcher[string]()
	for _, r := range args.Sets {
		if len(r.Set) == 0 || len(r.Rule) == 0 {
			return nil, fmt.Errorf("ipset rule requires both set and rule")
		}
		if err := m.Add(r.Rule, r.Set); err != nil {
			return nil, fmt.Errorf("invalid ipset rule %q: %w", r.Rule, err)
		}
	}

	if err := initBackend(); err != nil {
		bp.L().Warn("ipset backend unavailable, plugin becomes a no-op", zap.Error(err))
	}

	return &ipsetPlugin{BP: bp, matcher: m}, nil
}

func (p *ipsetPlugin) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	err := executable_seq.ExecChainNode(ctx, qCtx, next)
	if err != nil {
		return err
	}

	q := qCtx.Q()
	r := qCtx.R()
	if q == nil || r == nil || len(q.Question) == 0 {
		return nil
	}

	setName, ok := p.matcher.Match(q.Question[0].Name)
	if !ok {
		return nil
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
		if !ok {
			continue
		}
		if err := addToSet(setName, addr); err != nil {
			p.warnOnce.Do(func() {
				p.L().Warn("ipset add failed, further failures on this instance are suppressed", zap.Error(err))
			})
		}
	}
	return nil
}
