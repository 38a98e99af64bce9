package server

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// newCmc wraps uc with IP_PKTINFO-aware read/write so a server listening
// on a wildcard address (0.0.0.0 / ::) replies from the same local IP a
// query arrived on, instead of whatever the kernel picks for the default
// route. Needed because Linux doesn't echo the destination address of a
// wildcard-bound UDP socket on its own.
func newCmc(uc *net.UDPConn) (cmcUDPConn, error) {
	isV6 := uc.LocalAddr().(*net.UDPAddr).IP.To4() == nil

	if isV6 {
		p := ipv6.NewPacketConn(uc)
		if err := p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			return nil, fmt.Errorf("failed to set ipv6 control message: %w", err)
		}
		return &cmc6{uc: uc, p: p}, nil
	}

	p := ipv4.NewPacketConn(uc)
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		return nil, fmt.Errorf("failed to set ipv4 control message: %w", err)
	}
	return &cmc4{uc: uc, p: p}, nil
}

type cmc4 struct {
	uc *net.UDPConn
	p  *ipv4.PacketConn
}

func (c *cmc4) readFrom(b []byte) (n int, dst net.IP, ifIndex int, src net.Addr, err error) {
	n, cm, srcAddr, err := c.p.ReadFrom(b)
	if err != nil {
		return 0, nil, 0, nil, err
	}
	src = srcAddr
	if cm != nil {
		dst = cm.Dst
		ifIndex = cm.IfIndex
	}
	return n, dst, ifIndex, src, nil
}

func (c *cmc4) writeTo(b []byte, src net.IP, ifIndex int, dst net.Addr) (int, error) {
	cm := &ipv4.ControlMessage{Src: src, IfIndex: ifIndex}
	return c.p.WriteTo(b, cm, dst)
}

type cmc6 struct {
	uc *net.UDPConn
	p  *ipv6.PacketConn
}

func (c *cmc6) readFrom(b []byte) (n int, dst net.IP, ifIndex int, src net.Addr, err error) {
	n, cm, srcAddr, err := c.p.ReadFrom(b)
	if err != nil {
		return 0, nil, 0, nil, err
	}
	src = srcAddr
	if cm != nil {
		dst = cm.Dst
		ifIndex = cm.IfIndex
	}
	return n, dst, ifIndex, src, nil
}

func (c *cmc6) writeTo(b []byte, src net.IP, ifIndex int, dst net.Addr) (int, error) {
	cm := &ipv6.ControlMessage{Src: src, IfIndex: ifIndex}
	return c.p.WriteTo(b, cm, dst)
}
