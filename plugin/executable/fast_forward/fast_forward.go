/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package fastforward

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/coremain"
	"github.com/IrineSistiana/smartfwd/pkg/bundled_upstream"
	"github.com/IrineSistiana/smartfwd/pkg/executable_seq"
	"github.com/IrineSistiana/smartfwd/pkg/matcher/domain"
	"github.com/IrineSistiana/smartfwd/pkg/query_context"
	"github.com/IrineSistiana/smartfwd/pkg/upstream"
)

const defaultGroupName = "default"

const PluginType = "fast_forward"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() interface{} { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*fastForward)(nil)

type fastForward struct {
	*coremain.BP
	args *Args

	// groups partitions upstreamWrappers by group label; groupPolicy says
	// how each group fans out. rules resolves a query's domain to a group
	// name, falling back to defaultGroup.
	groups       map[string][]bundled_upstream.Upstream
	groupPolicy  map[string]string
	rules        *domain.MixMatcher[string]
	defaultGroup string

	upstreamsCloser []io.Closer
}

type Args struct {
	Upstream     []*UpstreamConfig `yaml:"upstream"`
	CA           []string          `yaml:"ca"`
	GroupPolicy  map[string]string `yaml:"group_policy"` // group -> "parallel-fastest" | "sequential"
	Rules        []string          `yaml:"rules"`        // "/domain/group" entries
	DefaultGroup string            `yaml:"default_group"`
}

type UpstreamConfig struct {
	Addr           string `yaml:"addr"` // required
	DialAddr       string `yaml:"dial_addr"`
	Trusted        bool   `yaml:"trusted"` // Ignored by racing logic, kept for config compatibility
	Socks5         string `yaml:"socks5"`
	S5Username     string `yaml:"s5_username"`
	S5Password     string `yaml:"s5_password"`
	SoMark         int    `yaml:"so_mark"`
	BindToDevice   string `yaml:"bind_to_device"`
	IdleTimeout    int    `yaml:"idle_timeout"`
	MaxConns       int    `yaml:"max_conns"`
	EnablePipeline bool   `yaml:"enable_pipeline"`
	Bootstrap      string `yaml:"bootstrap"`
	Insecure       bool   `yaml:"insecure"`
	KernelTX       bool   `yaml:"kernel_tx"`
	KernelRX       bool   `yaml:"kernel_rx"`

	// Groups lists every group this upstream answers for. An empty list
	// means just "default". ExcludeDefaultGroup drops the implicit
	// "default" membership a non-empty Groups list otherwise keeps.
	Groups              []string `yaml:"group"`
	ExcludeDefaultGroup bool     `yaml:"exclude_default_group"`
}

// groupsOf returns the set of group names c belongs to.
func (c *UpstreamConfig) groupsOf() []string {
	if len(c.Groups) == 0 {
		return []string{defaultGroupName}
	}
	if c.ExcludeDefaultGroup {
		return c.Groups
	}
	for _, g := range c.Groups {
		if g == defaultGroupName {
			return c.Groups
		}
	}
	return append(append([]string{}, c.Groups...), defaultGroupName)
}

func Init(bp *coremain.BP, args interface{}) (p coremain.Plugin, err error) {
	return newFastForward(bp, args.(*Args))
}

func newFastForward(bp *coremain.BP, args *Args) (*fastForward, error) {
	if len(args.Upstream) == 0 {
		return nil, errors.New("no upstream is configured")
	}

	f := &fastForward{
		BP:          bp,
		args:        args,
		groups:      make(map[string][]bundled_upstream.Upstream),
		groupPolicy: args.GroupPolicy,
		defaultGroup: args.DefaultGroup,
	}
	if f.defaultGroup == "" {
		f.defaultGroup = defaultGroupName
	}

	var rootCAs *x509.CertPool
	if len(args.CA) != 0 {
		rootCAs = x509.NewCertPool()
		for _, path := range args.CA {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load ca: %w", err)
			}
			if !rootCAs.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("failed to load ca: no certificate in %s", path)
			}
		}
	}

	for _, c := range args.Upstream {
		if len(c.Addr) == 0 {
			return nil, errors.New("missing server addr")
		}
		groups := c.groupsOf()

		// Handle Experimental UDPME
		if strings.HasPrefix(c.Addr, "udpme://") {
			u := newUDPME(c.Addr[8:])
			for _, group := range groups {
				f.groups[group] = append(f.groups[group], u)
			}
			// UDPME doesn't need closer as it creates connection per request
			continue
		}

		opt := &upstream.Opt{
			DialAddr:       c.DialAddr,
			Socks5:         c.Socks5,
			S5Username:     c.S5Username,
			S5Password:     c.S5Password,
			SoMark:         c.SoMark,
			BindToDevice:   c.BindToDevice,
			IdleTimeout:    time.Duration(c.IdleTimeout) * time.Second,
			MaxConns:       c.MaxConns,
			EnablePipeline: c.EnablePipeline,
			Bootstrap:      c.Bootstrap,
			Insecure:       c.Insecure,
			RootCAs:        rootCAs,
			KernelTX:       c.KernelTX,
			KernelRX:       c.KernelRX,
			Logger:         bp.L(),
		}

		u, err := upstream.NewUpstream(c.Addr, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to init upstream: %w", err)
		}

		w := &upstreamWrapper{
			address: c.Addr,
			u:       u,
		}

		for _, group := range groups {
			f.groups[group] = append(f.groups[group], w)
		}
		f.upstreamsCloser = append(f.upstreamsCloser, u)
	}

	referencedGroups := map[string]bool{f.defaultGroup: true}
	for g := range f.groupPolicy {
		referencedGroups[g] = true
	}

	if len(args.Rules) > 0 {
		m := domain.NewMixMatcher[string]()
		for _, line := range args.Rules {
			group, ruleDomain, err := parseRule(line)
			if err != nil {
				return nil, err
			}
			if err := m.Add(ruleDomain, group); err != nil {
				return nil, fmt.Errorf("invalid nameserver rule %q: %w", line, err)
			}
			referencedGroups[group] = true
		}
		f.rules = m
	}

	for g := range referencedGroups {
		if len(f.groups[g]) == 0 {
			bp.L().Warn("nameserver group has no members, queries resolved to it will SERVFAIL", zap.String("group", g))
		}
	}

	return f, nil
}

// parseRule parses a "/domain/group" entry into (group, domainPattern).
func parseRule(line string) (group, domainPattern string, err error) {
	if len(line) == 0 || line[0] != '/' {
		return "", "", fmt.Errorf("nameserver rule must start with '/', got %q", line)
	}
	rest := line[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[i+1:], rest[:i], nil
		}
	}
	return "", "", fmt.Errorf("missing closing '/' in nameserver rule %q", line)
}

type upstreamWrapper struct {
	bundled_upstream.HealthState
	address string
	u       upstream.Upstream
}

func (u *upstreamWrapper) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	q.Compress = true
	return u.u.ExchangeContext(ctx, q)
}

func (u *upstreamWrapper) Address() string {
	return u.address
}

func (u *upstreamWrapper) Trusted() bool {
	return true
}

// Exec is terminal: it always answers the query itself and never calls
// next, per the nameserver stage's contract. A successful exchange sets
// the response; a failure (including a group with no healthy members)
// returns the error so the caller falls back to SERVFAIL, never to a
// REFUSED produced by some other stage further down the chain.
func (f *fastForward) Exec(ctx context.Context, qCtx *query_context.Context, _ executable_seq.ExecutableChainNode) error {
	return f.exec(ctx, qCtx)
}

func (f *fastForward) exec(ctx context.Context, qCtx *query_context.Context) (err error) {
	group := f.defaultGroup
	if f.rules != nil {
		if q := qCtx.Q(); q != nil && len(q.Question) > 0 {
			if g, ok := f.rules.Match(q.Question[0].Name); ok {
				group = g
			}
		}
	}

	upstreams := f.groups[group]
	if len(upstreams) == 0 {
		f.L().Warn("query resolved to a nameserver group with no members, answering servfail", qCtx.InfoField(), zap.String("group", group))
		return fmt.Errorf("group %q has no upstream members", group)
	}
	upstreams = bundled_upstream.FilterHealthy(upstreams)

	policy := bundled_upstream.ParsePolicy(f.groupPolicy[group])
	var r *dns.Msg
	if policy == bundled_upstream.PolicySequential {
		r, err = bundled_upstream.ExchangeSequential(ctx, qCtx, upstreams, f.L())
	} else {
		r, err = bundled_upstream.ExchangeParallel(ctx, qCtx, upstreams, policy, f.L())
	}
	if err != nil {
		return err
	}
	qCtx.SetResponse(r)
	return nil
}

func (f *fastForward) Shutdown() error {
	for _, u := range f.upstreamsCloser {
		_ = u.Close() // Silently close during shutdown
	}
	return nil
}
