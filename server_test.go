package bsdp

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"golang.org/x/net/nettest"
)

type captureHandler struct {
	ch chan *dhcpv4.DHCPv4
}

func (c *captureHandler) Handle(_ net.PacketConn, _ net.Addr, pkt *dhcpv4.DHCPv4) {
	c.ch <- pkt
}

type countingRefresher struct {
	n atomic.Int32
}

func (c *countingRefresher) Refresh(_ context.Context) error {
	c.n.Add(1)
	return nil
}

func TestNewServerWithConn(t *testing.T) {
	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close() // nolint: errcheck // test cleanup

	s, err := NewServer("", nil, &captureHandler{}, WithConn(conn), WithLogger(logr.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if s.Conn != conn {
		t.Fatal("server did not keep the provided conn")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{Conn: conn, Handler: &captureHandler{ch: make(chan *dhcpv4.DHCPv4, 1)}, Logger: logr.Discard()}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestServeDispatchesPackets(t *testing.T) {
	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	h := &captureHandler{ch: make(chan *dhcpv4.DHCPv4, 1)}
	refresher := &countingRefresher{}
	s := &Server{Conn: conn, Handler: h, Refresher: refresher, Logger: logr.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx)
	}()

	client, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close() // nolint: errcheck // test cleanup

	m, err := dhcpv4.New(dhcpv4.WithHwAddr(net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}))
	if err != nil {
		t.Fatal(err)
	}
	// The loop may not be in ReadFrom yet; retry until dispatched.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := client.WriteTo(m.ToBytes(), conn.LocalAddr()); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-h.ch:
			if got.ClientHWAddr.String() != "11:22:33:44:55:66" {
				t.Fatalf("dispatched packet has mac %s", got.ClientHWAddr)
			}
			if refresher.n.Load() < 1 {
				t.Fatal("refresher was not invoked before serving")
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("packet was never dispatched to the handler")
		}
	}
}
