package natpmp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// A Transport carries NAT-PMP datagrams between a Client and a single NAT
// gateway. A Transport is owned by one Client and is not used concurrently.
type Transport interface {
	// Send transmits one datagram to the gateway.
	Send(b []byte) error

	// Receive waits up to timeout for one datagram from the gateway and
	// copies it into b. It returns ErrTimeout if none arrives in time, and
	// the context's error if ctx is canceled while waiting.
	Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error)

	// RemoteAddr returns the gateway's address.
	RemoteAddr() net.Addr

	// Close releases the Transport's resources.
	Close() error
}

var _ Transport = &UDPTransport{}

// A UDPTransport is a Transport over an IPv4 UDP socket connected to the
// gateway. The kernel only delivers datagrams from the gateway's address and
// port, and reports ICMP errors such as port unreachable to the socket.
type UDPTransport struct {
	c       *net.UDPConn
	pc      *ipv4.PacketConn
	gateway *net.UDPAddr
	log     *zap.Logger
}

// DialUDP creates a UDPTransport which communicates with the NAT gateway
// specified by addr. If addr has no port, the NAT-PMP port 5351 is used. A
// nil log disables logging.
func DialUDP(addr string, log *zap.Logger) (*UDPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}

	gateway, err := resolveGateway(addr)
	if err != nil {
		return nil, err
	}

	c, err := net.DialUDP("udp4", nil, gateway)
	if err != nil {
		return nil, err
	}

	pc := ipv4.NewPacketConn(c)

	// Destination addresses are only logged, and control messages are not
	// available on every platform.
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debug("control messages unavailable", zap.Error(err))
	}

	return &UDPTransport{
		c:       c,
		pc:      pc,
		gateway: gateway,
		log:     log,
	}, nil
}

func resolveGateway(addr string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(Port))
	}

	return net.ResolveUDPAddr("udp4", addr)
}

// Send implements Transport.
func (t *UDPTransport) Send(b []byte) error {
	_, err := t.c.Write(b)
	return err
}

// Receive implements Transport. An ICMP error reported for an earlier Send,
// such as connection refused, is returned as is.
func (t *UDPTransport) Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := t.pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	// Either wait for the parent context to be canceled or for this function to
	// complete, and then unblock any outstanding reads.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	defer func() {
		close(done)
		wg.Wait()
	}()

	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = t.pc.SetReadDeadline(time.Unix(0, 1))
		case <-done:
		}
	}()

	n, cm, src, err := t.pc.ReadFrom(b)
	if err != nil {
		var nerr net.Error
		switch {
		case ctx.Err() != nil:
			// Timeout produced by context cancelation.
			return 0, ctx.Err()
		case errors.As(err, &nerr) && nerr.Timeout():
			return 0, ErrTimeout
		default:
			return 0, err
		}
	}

	if cm != nil {
		t.log.Debug("received datagram",
			zap.Stringer("source", src),
			zap.Stringer("destination", cm.Dst),
			zap.Int("bytes", n))
	}

	return n, nil
}

// RemoteAddr implements Transport.
func (t *UDPTransport) RemoteAddr() net.Addr { return t.gateway }

// LocalAddr returns the local address of the UDP socket.
func (t *UDPTransport) LocalAddr() net.Addr { return t.pc.LocalAddr() }

// Close implements Transport.
func (t *UDPTransport) Close() error { return t.pc.Close() }
