// Package bsdp provides UDP listening and serving functionality for the
// Boot Server Discovery Protocol.
package bsdp

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/macadmins/bsdp/handler/noop"
	"golang.org/x/net/ipv4"
)

// Handler is a type that defines the handler function to be called every
// time a valid DHCPv4 message is received.
type Handler interface {
	Handle(conn net.PacketConn, peer net.Addr, pkt *dhcpv4.DHCPv4)
}

// Refresher is implemented by catalog backends that can rebuild their
// snapshot: a rescan signal triggers it without interrupting service.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Server represents a BSDP server object.
type Server struct {
	Conn net.PacketConn

	// Handler is called for every decoded packet, in receive order.
	Handler Handler

	// Refresher, when set, is invoked once before serving and then on
	// every RescanSignal.
	Refresher Refresher

	// RescanSignal triggers a catalog refresh. Defaults to SIGUSR1.
	RescanSignal os.Signal

	Logger logr.Logger
}

// Serve drives the receive loop until the context is canceled or the
// socket fails. Packets are handled one at a time so per-client reply
// ordering follows request ordering; catalog refreshes swap snapshots
// atomically, so an in-flight packet is never affected by one.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	s.Logger.Info("Server listening on", "addr", s.Conn.LocalAddr())

	if s.Refresher != nil {
		if err := s.Refresher.Refresh(ctx); err != nil {
			s.Logger.Error(err, "initial catalog scan failed, serving what we have")
		}
		rescan := s.RescanSignal
		if rescan == nil {
			rescan = syscall.SIGUSR1
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, rescan)
		defer signal.Stop(sig)
		go func() {
			for range sig {
				s.Logger.Info("rescan signal received")
				_ = s.Refresher.Refresh(ctx)
			}
		}()
	}

	nConn := ipv4.NewPacketConn(s.Conn)
	if err := nConn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		s.Logger.Info("error setting control message", "err", err)
		return err
	}

	defer func() {
		_ = nConn.Close()
		_ = s.Close()
	}()
	for {
		rbuf := make([]byte, 4096)
		n, cm, peer, err := nConn.ReadFrom(rbuf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			s.Logger.Info("error reading from packet conn", "err", err)
			return err
		}

		m, err := dhcpv4.FromBytes(rbuf[:n])
		if err != nil {
			s.Logger.Info("error parsing DHCPv4 request", "err", err)
			continue
		}

		upeer, ok := peer.(*net.UDPAddr)
		if !ok {
			s.Logger.Info("not a UDP connection? Peer is", "peer", peer)
			continue
		}
		// Set peer to broadcast if the client did not have an IP.
		if upeer.IP == nil || upeer.IP.To4().Equal(net.IPv4zero) {
			upeer = &net.UDPAddr{
				IP:   net.IPv4bcast,
				Port: upeer.Port,
			}
		}

		if cm != nil {
			if ifi, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				s.Logger.V(1).Info("packet received", "interface", ifi.Name)
			}
		}

		s.Handler.Handle(s.Conn, upeer, m)
	}
}

// Close sends a termination request to the server, and closes the UDP listener.
func (s *Server) Close() error {
	return s.Conn.Close()
}

// ServerOpt adds optional configuration to a server.
type ServerOpt func(s *Server)

// WithConn configures the server with the given connection.
func WithConn(c net.PacketConn) ServerOpt {
	return func(s *Server) {
		s.Conn = c
	}
}

// WithLogger set the logger (see interface Logger).
func WithLogger(newLogger logr.Logger) ServerOpt {
	return func(s *Server) {
		s.Logger = newLogger
	}
}

// WithRefresher configures the catalog refresher invoked on the rescan signal.
func WithRefresher(r Refresher) ServerOpt {
	return func(s *Server) {
		s.Refresher = r
	}
}

// WithRescanSignal overrides the signal that triggers a catalog refresh.
func WithRescanSignal(sig os.Signal) ServerOpt {
	return func(s *Server) {
		s.RescanSignal = sig
	}
}

// NewServer initializes and returns a new Server object. The socket is
// bound to the named interface with broadcast enabled; BSDP replies often
// go to clients that have not finished acquiring a lease.
func NewServer(ifname string, addr *net.UDPAddr, handler Handler, opt ...ServerOpt) (*Server, error) {
	s := &Server{
		Handler: handler,
		Logger:  logr.Discard(),
	}

	for _, o := range opt {
		o(s)
	}
	if s.Handler == nil {
		s.Handler = &noop.Handler{Log: s.Logger}
	}
	if s.Conn == nil {
		var err error
		conn, err := server4.NewIPv4UDPConn(ifname, addr)
		if err != nil {
			return nil, err
		}
		s.Conn = conn
	}
	return s, nil
}
