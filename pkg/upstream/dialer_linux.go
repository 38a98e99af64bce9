//go:build linux

package upstream

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// applyDialerControls wires SO_MARK and SO_BINDTODEVICE onto d's raw
// socket before connect(), the same knobs fast_forward's UpstreamConfig
// exposes per upstream for policy-routing setups.
func applyDialerControls(d *net.Dialer, opt *Opt) {
	if opt.SoMark == 0 && len(opt.BindToDevice) == 0 {
		return
	}
	d.Control = func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if opt.SoMark != 0 {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, opt.SoMark); err != nil {
					ctrlErr = err
					return
				}
			}
			if len(opt.BindToDevice) > 0 {
				if err := unix.BindToDevice(int(fd), opt.BindToDevice); err != nil {
					ctrlErr = err
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
