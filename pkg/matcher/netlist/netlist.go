// Package netlist is an IP/CIDR set matcher backed by go4.org/netipx, used
// by the client_ip/ecs/response ip matchers.
package netlist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/IrineSistiana/smartfwd/pkg/data_provider"
)

// List is an immutable, closed-over set of IP prefixes.
type List struct {
	set *netipx.IPSet
	n   int
}

func (l *List) Match(addr netip.Addr) bool {
	return l.set != nil && l.set.Contains(addr)
}

func (l *List) Len() int { return l.n }

func (l *List) Close() error { return nil }

func addLine(b *netipx.IPSetBuilder, s string) error {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		b.AddPrefix(p)
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("invalid ip %q: %w", s, err)
	}
	b.Add(addr)
	return nil
}

// LoadFromTextReader reads one IP or CIDR per line, skipping blank lines
// and lines starting with "#".
func LoadFromTextReader(r io.Reader) (*List, error) {
	var b netipx.IPSetBuilder
	n := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		if err := addLine(&b, line); err != nil {
			return nil, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return &List{set: set, n: n}, nil
}

// BatchLoadProvider builds a List from a mix of inline IP/CIDR literals
// and "provider:<tag>" references resolved against dm.
func BatchLoadProvider(entries []string, dm *data_provider.DataManager) (*List, error) {
	var b netipx.IPSetBuilder
	n := 0
	for _, e := range entries {
		if tag, ok := strings.CutPrefix(e, "provider:"); ok {
			dp, ok := dm.GetDataProvider(tag)
			if !ok {
				return nil, fmt.Errorf("data provider %q not found", tag)
			}
			l, err := LoadFromTextReader(bytes.NewReader(dp.Content()))
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", tag, err)
			}
			b.AddSet(l.set)
			n += l.n
			continue
		}
		if err := addLine(&b, e); err != nil {
			return nil, err
		}
		n++
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return &List{set: set, n: n}, nil
}
