package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// MaxDatagramSize is the read buffer of UDP sockets.
const MaxDatagramSize = 65535

// udpTransport infers peers from the source address of datagrams received
// on the bound socket.
type udpTransport struct {
	conn *net.UDPConn
}

func (u *udpTransport) Kind() Kind { return UDP }

func (u *udpTransport) ReadBufferSize() int { return MaxDatagramSize }

func (u *udpTransport) Listen(host string, port uint16, sink eventSink) (uint16, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	u.conn = pc.(*net.UDPConn)

	go u.read(u.conn, sink)
	return uint16(u.conn.LocalAddr().(*net.UDPAddr).Port), nil
}

func (u *udpTransport) read(conn *net.UDPConn, sink eventSink) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !sink(event{kind: evSocketError, err: fmt.Errorf("udp read: %w", err)}) {
				return
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if !sink(event{kind: evDatagram, addr: from, data: data}) {
			return
		}
	}
}

func (u *udpTransport) Unlisten() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *udpTransport) Resolve(address string) (string, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	return addr.String(), nil
}

func (u *udpTransport) Dial(address string, timeout time.Duration) (endpoint, error) {
	conn, err := net.DialTimeout("udp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open udp socket to %s: %w", address, err)
	}
	return conn, nil
}

func (u *udpTransport) Peer(addr net.Addr) endpoint {
	ua, ok := addr.(*net.UDPAddr)
	if !ok || u.conn == nil {
		return nil
	}
	return &udpPeer{conn: u.conn, addr: ua}
}

// udpPeer writes to one remote address through the shared bound socket.
type udpPeer struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (p *udpPeer) Write(b []byte) (int, error) {
	return p.conn.WriteToUDP(b, p.addr)
}

// Close is a no-op: the bound socket outlives its peers.
func (p *udpPeer) Close() error { return nil }

func (p *udpPeer) RemoteAddr() net.Addr { return p.addr }
