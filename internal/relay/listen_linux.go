//go:build linux

package relay

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenPublic binds a TCP listener on 0.0.0.0:port with SO_REUSEADDR set,
// so a port recently released by a drained session can be rebound
// immediately without waiting out TIME_WAIT.
func listenPublic(ctx context.Context, port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return fmt.Errorf("control raw conn: %w", err)
			}
			if sockErr != nil {
				return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			}
			return nil
		},
	}

	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	return ln, nil
}
