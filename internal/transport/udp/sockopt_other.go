//go:build !unix

package udp

import (
	"syscall"

	"github.com/zsiec/rcvbuf/internal/rcvbuf"
)

func socketReceiveBufferSize(syscall.Conn) (int, error) {
	return 0, rcvbuf.ErrUnsupported
}
