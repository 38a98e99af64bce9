//go:build !linux

package ipset

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("ipset is only supported on linux")

func initBackend() error {
	return errUnsupported
}

func addToSet(_ string, _ netip.Addr) error {
	return errUnsupported
}
