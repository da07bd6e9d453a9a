package host

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/rtunio/rtun/internal/config"
)

// requestPort asks the relay's control endpoint for a newly allocated
// public port. The control connection is one-shot: the client sends
// nothing, the relay replies with the port as ASCII decimal (or
// ERROR:<reason>) and closes.
func requestPort(cfg *config.HostConfig) (int, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host.RelayAddr, cfg.Host.ControlPort)

	conn, err := net.DialTimeout("tcp", addr, cfg.Host.DialTimeout)
	if err != nil {
		return 0, fmt.Errorf("host: dial control endpoint %s: %w", addr, err)
	}
	defer conn.Close()

	body, err := io.ReadAll(conn)
	if err != nil {
		return 0, fmt.Errorf("host: read port assignment: %w", err)
	}

	reply := strings.TrimSpace(string(body))
	if strings.HasPrefix(reply, "ERROR:") {
		return 0, fmt.Errorf("host: relay refused port request: %s", strings.TrimPrefix(reply, "ERROR:"))
	}

	port, err := strconv.Atoi(reply)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("host: malformed port assignment %q", reply)
	}

	return port, nil
}

// dialTunnel connects to the relay on the allocated port. That connection,
// with no preamble of any kind, IS the tunnel from the moment it opens: the
// framed protocol starts at byte zero, since being the first connection
// accepted on that port's public listener is what claims the host role.
func dialTunnel(cfg *config.HostConfig, port int) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host.RelayAddr, port)

	conn, err := net.DialTimeout("tcp", addr, cfg.Host.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("host: dial tunnel %s: %w", addr, err)
	}

	return conn, nil
}
