package host

import (
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rtunio/rtun/internal/config"
)

// fakeRelay is a minimal stand-in for the real relay: a control listener
// that answers every new-port request with the fixed port its separate
// public listener is bound to, and that public listener itself, whose
// first accepted connection (no preamble of any kind) is handed back on
// attached, exactly like the real per-session public listener.
type fakeRelay struct {
	controlLn net.Listener
	publicLn  net.Listener
	port      int
	attached  chan net.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	publicLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen public: %v", err)
	}

	_, portStr, _ := net.SplitHostPort(publicLn.Addr().String())
	port, _ := strconv.Atoi(portStr)

	fr := &fakeRelay{controlLn: controlLn, publicLn: publicLn, port: port, attached: make(chan net.Conn, 1)}
	go fr.serveControl()
	go fr.servePublic()
	return fr
}

func (fr *fakeRelay) serveControl() {
	for {
		conn, err := fr.controlLn.Accept()
		if err != nil {
			return
		}
		// The control protocol carries no request: reply immediately and
		// close, matching the real relay's one-shot control connection.
		fmt.Fprintf(conn, "%d", fr.port)
		conn.Close()
	}
}

func (fr *fakeRelay) servePublic() {
	for {
		conn, err := fr.publicLn.Accept()
		if err != nil {
			return
		}
		fr.attached <- conn
	}
}

func (fr *fakeRelay) addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(fr.controlLn.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestRequestPortAndDialTunnel(t *testing.T) {
	t.Parallel()

	fr := newFakeRelay(t)
	defer fr.controlLn.Close()
	defer fr.publicLn.Close()

	relayHost, controlPort := fr.addr()

	cfg := config.DefaultHostConfig()
	cfg.Host.RelayAddr = relayHost
	cfg.Host.ControlPort = controlPort
	cfg.Host.DialTimeout = 2 * time.Second

	port, err := requestPort(cfg)
	if err != nil {
		t.Fatalf("requestPort: %v", err)
	}
	if port != fr.port {
		t.Fatalf("requestPort() = %d, want %d", port, fr.port)
	}

	conn, err := dialTunnel(cfg, port)
	if err != nil {
		t.Fatalf("dialTunnel: %v", err)
	}
	defer conn.Close()

	select {
	case attached := <-fr.attached:
		defer attached.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("relay never observed tunnel connection on the public listener")
	}
}
