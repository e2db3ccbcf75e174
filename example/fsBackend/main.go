package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/macadmins/bsdp"
	"github.com/macadmins/bsdp/backend/fs"
	"github.com/macadmins/bsdp/handler/netboot"
	"inet.af/netaddr"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer done()
	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, "github.com/macadmins/bsdp")
	defer otelShutdown(ctx)

	l := stdr.New(log.New(os.Stdout, "", log.Lshortfile))
	l = l.WithName("github.com/macadmins/bsdp")
	// 1. create the backend
	// 2. create the handler(backend)
	// 3. create the server(handler)
	backend, err := fsBackend(ctx, l, "/nbi")
	if err != nil {
		panic(err)
	}

	handler := &netboot.Handler{
		Log:         l,
		Backend:     backend,
		IPAddr:      netaddr.IPv4(192, 168, 2, 225),
		Hostname:    "192.168.2.225",
		Priority:    [2]byte{0x80, 0x40},
		DMGBase:     "nfs:192.168.2.225:/nbi:",
		OTELEnabled: true,
	}
	srv, err := bsdp.NewServer("eth0", &net.UDPAddr{IP: net.IPv4zero, Port: 67}, handler,
		bsdp.WithLogger(l),
		bsdp.WithRefresher(backend),
	)
	if err != nil {
		panic(err)
	}
	l.Info("starting server", "addr", handler.IPAddr)
	l.Error(srv.Serve(ctx), "done")
	l.Info("done")
}

func fsBackend(ctx context.Context, l logr.Logger, root string) (*fs.Catalog, error) {
	c, err := fs.NewCatalog(l, root)
	if err != nil {
		return nil, err
	}
	go c.Start(ctx) // nolint: errcheck // example
	return c, nil
}
