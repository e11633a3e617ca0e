//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package multicast

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets every per-interface socket bind the same port.
func reuseControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
