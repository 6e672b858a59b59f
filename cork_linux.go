//go:build linux

package packets

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setCork toggles TCP_CORK on conn. While corked the kernel holds partial
// segments, so a header and its payload leave in as few packets as possible.
// Streams without a socket underneath are left alone.
func setCork(conn net.Conn, on bool) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	value := 0
	if on {
		value = 1
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, value)
	})
	if err != nil {
		return err
	}
	return sockErr
}
