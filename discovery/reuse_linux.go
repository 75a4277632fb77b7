//go:build linux

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlDiscoverySocket lets several processes on one host share the
// discovery port and allows sends to broadcast addresses.
func controlDiscoverySocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
