package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ReadBufferSize is the chunk size read from stream connections.
const ReadBufferSize = 4096

// tcpTransport accepts connections; every accepted connection becomes a
// client with its own read loop.
type tcpTransport struct {
	ln net.Listener
}

func (t *tcpTransport) Kind() Kind { return TCP }

func (t *tcpTransport) ReadBufferSize() int { return ReadBufferSize }

func (t *tcpTransport) Listen(host string, port uint16, sink eventSink) (uint16, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
	}
	t.ln = ln

	go t.accept(ln, sink)
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

func (t *tcpTransport) accept(ln net.Listener, sink eventSink) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			sink(event{kind: evListenerError, err: fmt.Errorf("failed to accept connection: %w", err)})
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		if !sink(event{kind: evAccept, ep: conn}) {
			conn.Close()
			return
		}
	}
}

func (t *tcpTransport) Unlisten() error {
	if t.ln == nil {
		return nil
	}
	err := t.ln.Close()
	t.ln = nil
	return err
}

func (t *tcpTransport) Resolve(address string) (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	return addr.String(), nil
}

func (t *tcpTransport) Dial(address string, timeout time.Duration) (endpoint, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (t *tcpTransport) Peer(net.Addr) endpoint { return nil }
