package dnsutils

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/smartfwd/pkg/pool"
)

const maxTCPMsgSize = 65535

// ReadMsgFromTCP reads one length-prefixed DNS message from r. If a msg is
// passed in reuse, it is unpacked into that msg instead of a newly
// allocated one. Returns the number of wire bytes read.
func ReadMsgFromTCP(r io.Reader, reuse ...*dns.Msg) (*dns.Msg, int, error) {
	var lengthBuf [2]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, 0, err
	}
	length := binary.BigEndian.Uint16(lengthBuf[:])
	if length == 0 {
		return nil, 2, ErrInvalidDNSMsg
	}

	buf := pool.GetBuf(int(length))
	defer buf.Release()
	if _, err := io.ReadFull(r, buf.Bytes()); err != nil {
		return nil, 2, err
	}

	m := new(dns.Msg)
	if len(reuse) > 0 && reuse[0] != nil {
		m = reuse[0]
	}
	if err := m.Unpack(buf.Bytes()); err != nil {
		return nil, 2 + int(length), err
	}
	return m, 2 + int(length), nil
}

// WriteRawMsgToTCP writes b as a length-prefixed DNS message.
func WriteRawMsgToTCP(w io.Writer, b []byte) (int, error) {
	if len(b) > maxTCPMsgSize {
		return 0, fmt.Errorf("dns msg length %d is too large for tcp", len(b))
	}
	buf := pool.GetBuf(len(b) + 2)
	defer buf.Release()
	wire := buf.Bytes()
	binary.BigEndian.PutUint16(wire[:2], uint16(len(b)))
	copy(wire[2:], b)
	return w.Write(wire)
}

// WriteMsgToUDP packs m and writes it to conn.
func WriteMsgToUDP(conn *net.UDPConn, m *dns.Msg) (int, error) {
	b, buf, err := pool.PackBuffer(m)
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	return conn.Write(b)
}
