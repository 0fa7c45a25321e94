//go:build unix

package udp

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketReceiveBufferSize reads SO_RCVBUF from the socket. Linux reports the
// doubled value it actually allocates.
func socketReceiveBufferSize(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("failed to access raw socket: %w", err)
	}

	var (
		size    int
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		size, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	}); err != nil {
		return 0, fmt.Errorf("failed to control socket: %w", err)
	}
	if sockErr != nil {
		return 0, fmt.Errorf("getsockopt SO_RCVBUF: %w", sockErr)
	}
	return size, nil
}
