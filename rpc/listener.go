package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// listenBacklog documents the backlog a server socket would request with
// listen(2) on platforms where the argument is exposed.
//
// Go's net package does not expose the raw backlog argument to listen(2);
// net.ListenConfig relies on the kernel's default (itself usually clamped by
// net.core.somaxconn), so this constant is not passed anywhere today. It
// stays as a reminder of the intended capacity should Go ever expose the
// knob.
const listenBacklog = 1024

// newListener builds the server's listening socket.
//
// host may be a comma-separated list of candidate hostnames, each combined
// with port. Each candidate is tried in order — created, SO_REUSEADDR set,
// bound, and put into listening state — and the first success wins. A
// candidate that fails at any of those three steps is closed before the
// next is tried. If every candidate fails, the last transport error is
// propagated. An empty host yields no candidates at all.
func newListener(host, port string) (net.Listener, error) {
	var candidates []string
	for _, h := range strings.Split(host, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New("getaddrinfo returns an empty list")
	}

	lc := net.ListenConfig{Control: setReuseAddr}

	var lastErr error
	for _, h := range candidates {
		addr := net.JoinHostPort(h, port)
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return ln, nil
	}
	return nil, lastErr
}

// setReuseAddr is the net.ListenConfig.Control hook that sets SO_REUSEADDR
// before bind, so a restarted server can rebind a port still in TIME_WAIT.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	ctrlErr := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
