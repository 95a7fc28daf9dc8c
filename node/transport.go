package node

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrRecvTimeout signals an idle receive window; the RX loop simply tries
// again.
var ErrRecvTimeout = errors.New("transport: receive timeout")

// Transport is a broadcast datagram channel carrying frames of at most
// MaxFrameSize bytes. Hosts use UDP multicast; embedded builds substitute a
// raw LoRa driver behind the same interface.
type Transport interface {
	Send(frame []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// MaxFrameSize bounds a transport frame: 8-byte session nonce plus the
// largest body (a 128-byte record).
const MaxFrameSize = 8 + 128

// UDPTransport broadcasts on an IPv4 multicast group.
type UDPTransport struct {
	group *net.UDPAddr
	send  *net.UDPConn
	recv  *net.UDPConn
}

// NewUDPTransport joins the multicast group at addr ("224.1.1.1:5000").
func NewUDPTransport(addr string) (*UDPTransport, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	send, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	recv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("transport: join group: %w", err)
	}
	_ = recv.SetReadBuffer(64 * 1024)
	return &UDPTransport{group: group, send: send, recv: recv}, nil
}

func (t *UDPTransport) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("transport: frame too large: %d", len(frame))
	}
	_, err := t.send.Write(frame)
	return err
}

func (t *UDPTransport) Recv(timeout time.Duration) ([]byte, error) {
	if err := t.recv.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, MaxFrameSize)
	n, _, err := t.recv.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrRecvTimeout
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *UDPTransport) Close() error {
	sendErr := t.send.Close()
	recvErr := t.recv.Close()
	if sendErr != nil {
		return sendErr
	}
	return recvErr
}
