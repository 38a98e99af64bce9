// Package domain matches fully-qualified domain names against full,
// suffix, keyword and regexp rules, each optionally carrying a value of
// type V (e.g. a redirect target, or struct{} for plain membership).
package domain

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/IrineSistiana/smartfwd/pkg/data_provider"
)

type MatchMode uint8

const (
	MatcherDomain MatchMode = iota
	MatcherFull
	MatcherKeyword
	MatcherRegexp
)

// Matcher matches a fqdn to a value of type V.
type Matcher[V any] interface {
	Match(fqdn string) (v V, ok bool)
}

type keywordEntry[V any] struct {
	kw string
	v  V
}

type regexpEntry[V any] struct {
	re *regexp.Regexp
	v  V
}

// MixMatcher dispatches a pattern to one of full/domain/keyword/regexp
// sub-matchers based on a "full:"/"domain:"/"keyword:"/"regexp:" prefix;
// patterns with no prefix use the default mode set by SetDefaultMatcher.
type MixMatcher[V any] struct {
	mu  sync.RWMutex
	def MatchMode

	full    map[string]V
	domain  map[string]V // keyed by fqdn, matches fqdn and all its subdomains
	keyword []keywordEntry[V]
	regexp  []regexpEntry[V]
}

func NewMixMatcher[V any]() *MixMatcher[V] {
	return &MixMatcher[V]{
		def:    MatcherDomain,
		full:   make(map[string]V),
		domain: make(map[string]V),
	}
}

func (m *MixMatcher[V]) SetDefaultMatcher(mode MatchMode) {
	m.def = mode
}

func normalizeFQDN(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

// Add parses an optional mode prefix off pattern and registers v under it.
func (m *MixMatcher[V]) Add(pattern string, v V) error {
	mode := m.def
	p := pattern
	if idx := strings.IndexByte(pattern, ':'); idx > 0 {
		switch pattern[:idx] {
		case "full":
			mode, p = MatcherFull, pattern[idx+1:]
		case "domain":
			mode, p = MatcherDomain, pattern[idx+1:]
		case "keyword":
			mode, p = MatcherKeyword, pattern[idx+1:]
		case "regexp":
			mode, p = MatcherRegexp, pattern[idx+1:]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch mode {
	case MatcherFull:
		m.full[normalizeFQDN(p)] = v
	case MatcherDomain:
		m.domain[normalizeFQDN(p)] = v
	case MatcherKeyword:
		m.keyword = append(m.keyword, keywordEntry[V]{kw: strings.ToLower(p), v: v})
	case MatcherRegexp:
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid regexp %q: %w", p, err)
		}
		m.regexp = append(m.regexp, regexpEntry[V]{re: re, v: v})
	default:
		return fmt.Errorf("unknown match mode %d", mode)
	}
	return nil
}

func (m *MixMatcher[V]) Match(fqdn string) (v V, ok bool) {
	fqdn = normalizeFQDN(fqdn)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.full[fqdn]; ok {
		return v, true
	}

	s := fqdn
	for {
		if v, ok := m.domain[s]; ok {
			return v, true
		}
		i := strings.IndexByte(s, '.')
		if i < 0 || i == len(s)-1 {
			break
		}
		s = s[i+1:]
	}

	lower := strings.ToLower(fqdn)
	for _, e := range m.keyword {
		if strings.Contains(lower, e.kw) {
			return e.v, true
		}
	}
	for _, e := range m.regexp {
		if e.re.MatchString(fqdn) {
			return e.v, true
		}
	}

	var zero V
	return zero, false
}

// Len returns the total number of registered rules.
func (m *MixMatcher[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.full) + len(m.domain) + len(m.keyword) + len(m.regexp)
}

func (m *MixMatcher[V]) Close() error { return nil }

// LoadFromTextReader reads one rule per line (blank lines and "#"
// comments skipped), parses it with parseFunc, and Adds it to m.
func LoadFromTextReader[V any](m *MixMatcher[V], r io.Reader, parseFunc func(s string) (pattern string, v V, err error)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		pattern, v, err := parseFunc(line)
		if err != nil {
			return fmt.Errorf("invalid rule %q: %w", line, err)
		}
		if err := m.Add(pattern, v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// MatcherGroup chains a statically configured matcher with one matcher
// per "provider:<tag>" reference, tried in order.
type MatcherGroup[V any] struct {
	mu      sync.RWMutex
	static  *MixMatcher[V]
	dynamic []Matcher[V]
}

func (g *MatcherGroup[V]) Match(fqdn string) (v V, ok bool) {
	if v, ok := g.static.Match(fqdn); ok {
		return v, true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.dynamic {
		if v, ok := m.Match(fqdn); ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

type lenner interface{ Len() int }

func (g *MatcherGroup[V]) Len() int {
	n := g.static.Len()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.dynamic {
		if l, ok := m.(lenner); ok {
			n += l.Len()
		}
	}
	return n
}

func (g *MatcherGroup[V]) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.dynamic {
		if c, ok := m.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}

// BatchLoadProvider builds a MatcherGroup from entries: a "provider:<tag>"
// entry loads and watches a data provider's content via
// dynamicMatcherFunc, rebuilding its matcher on every reload; any other
// entry is parsed with parseFunc and added directly to staticMatcher.
func BatchLoadProvider[V any](
	entries []string,
	staticMatcher *MixMatcher[V],
	parseFunc func(s string) (pattern string, v V, err error),
	dm *data_provider.DataManager,
	dynamicMatcherFunc func(b []byte) (Matcher[V], error),
) (*MatcherGroup[V], error) {
	g := &MatcherGroup[V]{static: staticMatcher}

	for _, e := range entries {
		if tag, ok := strings.CutPrefix(e, "provider:"); ok {
			dp, ok := dm.GetDataProvider(tag)
			if !ok {
				return nil, fmt.Errorf("data provider %q not found", tag)
			}
			dm, err := dynamicMatcherFunc(dp.Content())
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", tag, err)
			}
			idx := len(g.dynamic)
			g.dynamic = append(g.dynamic, dm)

			dp.RegisterOnUpdate(func(b []byte) {
				nm, err := dynamicMatcherFunc(b)
				if err != nil {
					return
				}
				g.mu.Lock()
				g.dynamic[idx] = nm
				g.mu.Unlock()
			})
			continue
		}

		pattern, v, err := parseFunc(e)
		if err != nil {
			return nil, fmt.Errorf("invalid rule %q: %w", e, err)
		}
		if err := staticMatcher.Add(pattern, v); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// BatchLoadDomainProvider is BatchLoadProvider specialized to plain
// membership (no value), used by query/response matchers' domain lists.
func BatchLoadDomainProvider(entries []string, dm *data_provider.DataManager) (*MatcherGroup[struct{}], error) {
	parseFunc := func(s string) (string, struct{}, error) {
		return s, struct{}{}, nil
	}

	staticMatcher := NewMixMatcher[struct{}]()
	staticMatcher.SetDefaultMatcher(MatcherDomain)

	return BatchLoadProvider[struct{}](entries, staticMatcher, parseFunc, dm, func(b []byte) (Matcher[struct{}], error) {
		mm := NewMixMatcher[struct{}]()
		mm.SetDefaultMatcher(MatcherDomain)
		if err := LoadFromTextReader[struct{}](mm, bytes.NewReader(b), parseFunc); err != nil {
			return nil, err
		}
		return mm, nil
	})
}
