//go:build !linux

package discovery

import "syscall"

func controlDiscoverySocket(network, address string, c syscall.RawConn) error {
	return nil
}
