package natpmp_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
	"inet.af/natpmp/natpmp"
)

func TestUDPClientExternalAddress(t *testing.T) {
	t.Parallel()

	// Fixed data structures reused throughout tests.
	const op = 128

	var (
		resNetworkFailure = []byte{
			// An error header.
			natpmp.Version, op, 0x00, uint8(natpmp.NetworkFailure),
			// Duration since epoch.
			0x00, 0x00, 0x00, 0x10,
			// Undefined external IP address.
			0xff, 0xff, 0xff, 0xff,
		}

		resOK = []byte{
			// Success response.
			natpmp.Version, op, 0x00, 0x00,
			// Duration since epoch.
			0x00, 0x00, 0x01, 0xff,
			// External IP address.
			192, 0, 2, 1,
		}

		ext = &natpmp.AddressResponse{
			Version:           natpmp.Version,
			Opcode:            op,
			Result:            natpmp.Success,
			SinceStartOfEpoch: 8*time.Minute + 31*time.Second,
			ExternalIP:        netip.MustParseAddr("192.0.2.1"),
		}

		extNetworkFailure = &natpmp.AddressResponse{
			Version:           natpmp.Version,
			Opcode:            op,
			Result:            natpmp.NetworkFailure,
			SinceStartOfEpoch: 16 * time.Second,
		}
	)

	tests := []struct {
		name string
		fn   serverFunc
		ext  *natpmp.AddressResponse
		err  error
	}{
		{
			name: "context deadline",
			err:  context.DeadlineExceeded,
		},
		{
			name: "short header",
			fn: func(_ []byte) []byte {
				return []byte{natpmp.Version, op, 0x00}
			},
			err: natpmp.ErrProtocol,
		},
		{
			name: "bad header op",
			fn: func(_ []byte) []byte {
				res := append([]byte(nil), resOK...)
				res[1] = op + 1
				return res
			},
			err: natpmp.ErrProtocol,
		},
		{
			name: "network failure",
			fn:   func(_ []byte) []byte { return resNetworkFailure },
			ext:  extNetworkFailure,
		},
		{
			name: "success",
			fn:   func(_ []byte) []byte { return resOK },
			ext:  ext,
		},
		// In the retry tests, we simulate the first request being dropped so
		// the client must retry to receive a response.
		{
			name: "retry network failure",
			fn:   dropFirst(resNetworkFailure),
			ext:  extNetworkFailure,
		},
		{
			name: "retry success",
			fn:   dropFirst(resOK),
			ext:  ext,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fn serverFunc
			if tt.fn != nil {
				fn = func(req []byte) []byte {
					// Each request is fixed.
					if diff := cmp.Diff([]byte{natpmp.Version, 0x00}, req); diff != "" {
						panicf("unexpected request (-want +got):\n%s", diff)
					}

					return tt.fn(req)
				}
			}

			c, done := testServer(t, fn)
			defer done()

			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			ext, err := c.ExternalAddress(ctx)
			if !errors.Is(err, tt.err) {
				t.Fatalf("unexpected error (-want +got):\n%s", cmp.Diff(tt.err, err))
			}

			if diff := cmp.Diff(tt.ext, ext, cmp.Comparer(func(x, y netip.Addr) bool { return x == y })); diff != "" {
				t.Fatalf("unexpected external address (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUDPClientMap(t *testing.T) {
	t.Parallel()

	const op = 128

	c, done := testServer(t, func(req []byte) []byte {
		want := []byte{
			// Header.
			natpmp.Version, uint8(natpmp.OpMapUDP), 0x00, 0x00,
			// Ports.
			0x00, 80, 0x00, 80,
			// Lifetime.
			0x00, 0x00, 0x1c, 0x20,
		}

		if diff := cmp.Diff(want, req); diff != "" {
			panicf("unexpected request (-want +got):\n%s", diff)
		}

		return []byte{
			// Header.
			natpmp.Version, op + uint8(natpmp.OpMapUDP), 0x00, 0x00,
			// Since start of epoch.
			0x00, 0x00, 0x00, 60,
			// Ports.
			0x00, 80, 0x00, 80,
			// Lifetime.
			0x00, 0x00, 0x1c, 0x20,
		}
	})
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	mr, err := natpmp.NewMappingRequest(natpmp.OpMapUDP, 80, 80, natpmp.DefaultLifetime)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	res, err := c.Map(ctx, mr)
	if err != nil {
		t.Fatalf("failed to map: %v", err)
	}

	want := &natpmp.MapResponse{
		Version:           natpmp.Version,
		Opcode:            op + uint8(natpmp.OpMapUDP),
		Result:            natpmp.Success,
		SinceStartOfEpoch: 1 * time.Minute,
		InternalPort:      80,
		ExternalPort:      80,
		Lifetime:          2 * time.Hour,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("unexpected map response (-want +got):\n%s", diff)
	}
}

func TestUDPTransportDiscardsOtherSources(t *testing.T) {
	t.Parallel()

	gw := listenUDP(t)
	defer gw.Close()

	other := listenUDP(t)
	defer other.Close()

	tr, err := natpmp.DialUDP(gw.LocalAddr().String(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to dial transport: %v", err)
	}
	defer tr.Close()

	if diff := cmp.Diff(gw.LocalAddr().String(), tr.RemoteAddr().String()); diff != "" {
		t.Fatalf("unexpected remote address (-want +got):\n%s", diff)
	}

	// The socket is connected to the gateway, so only the gateway's datagram
	// is delivered.
	client := tr.LocalAddr()

	if _, err := other.WriteTo([]byte("spoofed"), client); err != nil {
		t.Fatalf("failed to write from other source: %v", err)
	}
	if _, err := gw.WriteTo([]byte("gateway"), client); err != nil {
		t.Fatalf("failed to write from gateway: %v", err)
	}

	b := make([]byte, 64)
	n, err := tr.Receive(context.Background(), b, 1*time.Second)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}

	if diff := cmp.Diff("gateway", string(b[:n])); diff != "" {
		t.Fatalf("unexpected datagram (-want +got):\n%s", diff)
	}

	// Nothing else is pending, so the next receive times out.
	if _, err := tr.Receive(context.Background(), b, 50*time.Millisecond); !errors.Is(err, natpmp.ErrTimeout) {
		t.Fatalf("expected timeout, but got: %v", err)
	}
}

func TestUDPClientConnectionRefused(t *testing.T) {
	t.Parallel()

	// Nothing listens on the gateway port once the listener is closed, so the
	// first request draws an ICMP port unreachable.
	pc := listenUDP(t)
	addr := pc.LocalAddr().String()
	if err := pc.Close(); err != nil {
		t.Fatalf("failed to close listener: %v", err)
	}

	c, err := natpmp.Dial(addr, natpmp.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("failed to dial Client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err = c.ExternalAddress(ctx)

	var terr *natpmp.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transport error, but got: %v", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected connection refused, but got: %v", err)
	}

	// Retrying would take at least InitialTimeout plus twice that.
	if d := time.Since(start); d >= 3*natpmp.InitialTimeout {
		t.Fatalf("refused request was retried, took %s", d)
	}
}

func TestUDPTransportCancel(t *testing.T) {
	t.Parallel()

	gw := listenUDP(t)
	defer gw.Close()

	tr, err := natpmp.DialUDP(gw.LocalAddr().String(), nil)
	if err != nil {
		t.Fatalf("failed to dial transport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The context expires long before the receive timeout.
	start := time.Now()
	if _, err := tr.Receive(ctx, make([]byte, 16), time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, but got: %v", err)
	}
	if d := time.Since(start); d > 10*time.Second {
		t.Fatalf("receive was not interrupted promptly: %s", d)
	}
}

func TestDialDefaultPort(t *testing.T) {
	t.Parallel()

	tr, err := natpmp.DialUDP("127.0.0.1", nil)
	if err != nil {
		t.Fatalf("failed to dial transport: %v", err)
	}
	defer tr.Close()

	if diff := cmp.Diff("127.0.0.1:5351", tr.RemoteAddr().String()); diff != "" {
		t.Fatalf("unexpected remote address (-want +got):\n%s", diff)
	}
}

// A serverFunc is a function which can simulate a server's request/response
// lifecycle. A nil return value indicates that no response will be sent.
type serverFunc func(req []byte) (res []byte)

// dropFirst returns a serverFunc which ignores the first request and answers
// every later one with res.
func dropFirst(res []byte) serverFunc {
	var done bool
	return func(_ []byte) []byte {
		if !done {
			done = true
			return nil
		}

		return res
	}
}

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "localhost:0")
	if err != nil {
		t.Fatalf("failed to bind local UDP listener: %v", err)
	}

	return pc
}

func testServer(t *testing.T, fn serverFunc) (*natpmp.Client, func()) {
	t.Helper()

	// Create a local UDP server listener which will invoke fn for each request
	// to generate responses until the returned done function is invoked and
	// the context is canceled.
	pc := listenUDP(t)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		if fn == nil {
			// Nothing to do.
			return
		}

		// Read client input and continue to send responses until the context
		// is canceled.
		b := make([]byte, 256)
		for {
			n, addr, err := pc.ReadFrom(b)
			if err != nil {
				if ctx.Err() != nil {
					// Halted via context.
					return
				}

				panicf("failed to read from client: %v", err)
			}

			if res := fn(b[:n]); res != nil {
				if _, err := pc.WriteTo(res, addr); err != nil {
					panicf("failed to write to client: %v", err)
				}
			}
		}
	}()

	// Point the test client at our server.
	c, err := natpmp.Dial(pc.LocalAddr().String(), natpmp.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("failed to dial Client: %v", err)
	}

	return c, func() {
		// Unblock and halt the goroutine.
		cancel()
		_ = pc.SetReadDeadline(time.Unix(0, 1))

		wg.Wait()
		_ = pc.Close()
		_ = c.Close()
	}
}

func panicf(format string, a ...interface{}) {
	panic(fmt.Sprintf(format, a...))
}
