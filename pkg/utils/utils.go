// Package utils holds small stateless helpers shared across plugins and
// the server package that don't belong to any more specific package.
package utils

import (
	"crypto/x509"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// Number is any type SetDefaultNum/CheckNumRange can operate on.
type Number interface {
	constraints.Integer | constraints.Float
}

// SetDefaultNum sets *ptr to def if *ptr is the zero value.
func SetDefaultNum[T Number](ptr *T, def T) {
	var zero T
	if *ptr == zero {
		*ptr = def
	}
}

// CheckNumRange reports whether min <= n <= max.
func CheckNumRange[T Number](n, min, max T) bool {
	return n >= min && n <= max
}

// GetAddrFromAddr extracts a netip.Addr from a net.Addr, unmapping
// IPv4-in-IPv6 addresses. Returns the zero Addr if addr isn't an IP-based
// address.
func GetAddrFromAddr(addr net.Addr) netip.Addr {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return netip.Addr{}
	}
	nip, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return nip.Unmap()
}

// ParsePTRName parses a reverse-lookup name (in-addr.arpa / ip6.arpa) back
// into the address it represents.
func ParsePTRName(name string) (netip.Addr, bool) {
	name = strings.TrimSuffix(name, ".")
	switch {
	case strings.HasSuffix(name, ".in-addr.arpa"):
		labels := strings.Split(strings.TrimSuffix(name, ".in-addr.arpa"), ".")
		if len(labels) != 4 {
			return netip.Addr{}, false
		}
		var b [4]byte
		for i, l := range labels {
			v, err := strconv.Atoi(l)
			if err != nil || v < 0 || v > 255 {
				return netip.Addr{}, false
			}
			// in-addr.arpa labels are in reverse order.
			b[3-i] = byte(v)
		}
		return netip.AddrFrom4(b), true
	case strings.HasSuffix(name, ".ip6.arpa"):
		labels := strings.Split(strings.TrimSuffix(name, ".ip6.arpa"), ".")
		if len(labels) != 32 {
			return netip.Addr{}, false
		}
		var b [16]byte
		for i, l := range labels {
			if len(l) != 1 {
				return netip.Addr{}, false
			}
			nibble, err := strconv.ParseUint(l, 16, 8)
			if err != nil {
				return netip.Addr{}, false
			}
			// nibbles arrive reversed and low-nibble-first.
			byteIdx := 15 - i/2
			if i%2 == 0 {
				b[byteIdx] |= byte(nibble)
			} else {
				b[byteIdx] |= byte(nibble) << 4
			}
		}
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

// LoadCertPool reads a PEM bundle at path and returns it as a CertPool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, os.ErrInvalid
	}
	return pool, nil
}
