package dnsutils

import (
	"github.com/miekg/dns"
)

// RemoveEDNS0 strips the OPT record from m, if any.
func RemoveEDNS0(m *dns.Msg) {
	if m == nil {
		return
	}
	for i, rr := range m.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			m.Extra = append(m.Extra[:i], m.Extra[i+1:]...)
			return
		}
	}
}

// RemoveEDNS0Option removes an option of the given code from opt.
func RemoveEDNS0Option(opt *dns.OPT, code uint16) {
	if opt == nil {
		return
	}
	for i, o := range opt.Option {
		if o.Option() == code {
			opt.Option = append(opt.Option[:i], opt.Option[i+1:]...)
			return
		}
	}
}

// UpgradeEDNS0 ensures m has an OPT record and returns it, creating one
// with a conservative default UDP size if absent.
func UpgradeEDNS0(m *dns.Msg) *dns.OPT {
	if opt := m.IsEdns0(); opt != nil {
		return opt
	}
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(dns.DefaultMsgSize)
	m.Extra = append(m.Extra, opt)
	return opt
}

// GetECS returns the EDNS0 client subnet option in opt, if present.
func GetECS(opt *dns.OPT) *dns.EDNS0_SUBNET {
	if opt == nil {
		return nil
	}
	for _, o := range opt.Option {
		if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
			return subnet
		}
	}
	return nil
}

// AddECS inserts or replaces the client subnet option in opt. If replace is
// false and an option already exists, it is left untouched and newECS is
// false.
func AddECS(opt *dns.OPT, ecs *dns.EDNS0_SUBNET, replace bool) (newECS bool) {
	if opt == nil || ecs == nil {
		return false
	}
	for i, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_SUBNET); ok {
			if !replace {
				return false
			}
			opt.Option[i] = ecs
			return true
		}
	}
	opt.Option = append(opt.Option, ecs)
	return true
}

// RemoveMsgECS removes the client subnet option from m's OPT record, if any.
func RemoveMsgECS(m *dns.Msg) {
	opt := m.IsEdns0()
	if opt == nil {
		return
	}
	for i, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_SUBNET); ok {
			opt.Option = append(opt.Option[:i], opt.Option[i+1:]...)
			return
		}
	}
}

// NewEDNS0Subnet builds a client subnet option from a raw, already-masked
// address. ip must be 4 or 16 bytes.
func NewEDNS0Subnet(ip []byte, mask uint8, isV6 bool) *dns.EDNS0_SUBNET {
	e := new(dns.EDNS0_SUBNET)
	e.SourceNetmask = mask
	e.SourceScope = 0
	addr := make([]byte, len(ip))
	copy(addr, ip)
	e.Address = addr
	if isV6 {
		e.Family = 2
	} else {
		e.Family = 1
	}
	return e
}
