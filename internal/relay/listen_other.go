//go:build !linux

package relay

import (
	"context"
	"fmt"
	"net"
)

// listenPublic binds a TCP listener on the given port. SO_REUSEADDR tuning
// is Linux-specific; other platforms get the runtime default.
func listenPublic(ctx context.Context, port int) (net.Listener, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	return ln, nil
}
