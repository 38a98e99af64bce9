//go:build !linux

package upstream

import (
	"net"
	"sync"
)

var warnDialerControlsOnce sync.Once

// applyDialerControls is a no-op outside Linux: SO_MARK and
// SO_BINDTODEVICE have no portable equivalent, so a configured value is
// logged once and otherwise ignored.
func applyDialerControls(d *net.Dialer, opt *Opt) {
	if opt.SoMark == 0 && len(opt.BindToDevice) == 0 {
		return
	}
	warnDialerControlsOnce.Do(func() {
		opt.logger().Warn("so_mark/bind_to_device are Linux-only and are ignored on this platform")
	})
}
