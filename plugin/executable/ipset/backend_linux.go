//go:build linux

package ipset

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/nadoo/ipset"
)

var (
	initOnce sync.Once
	initErr  error
)

func initBackend() error {
	initOnce.Do(func() {
		initErr = ipset.Init()
	})
	return initErr
}

func addToSet(set string, addr netip.Addr) error {
	if initErr != nil {
		return initErr
	}
	if err := ipset.Add(set, addr.String(), 0); err != nil {
		return fmt.Errorf("ipset add %s to %s: %w", addr, set, err)
	}
	return nil
}
