package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/stdr"
	"github.com/macadmins/bsdp"
	"github.com/macadmins/bsdp/backend/api"
	"github.com/macadmins/bsdp/handler/netboot"
	"inet.af/netaddr"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer done()

	l := stdr.New(log.New(os.Stdout, "", log.Lshortfile))
	l = l.WithName("github.com/macadmins/bsdp")

	backend := &api.Backend{
		Log:      l,
		URL:      "https://imaging.example.com/v1/images",
		Key:      os.Getenv("BSDPD_API_KEY"),
		TFTPRoot: "/nbi",
	}

	handler := &netboot.Handler{
		Log:      l,
		Backend:  backend,
		IPAddr:   netaddr.IPv4(192, 168, 2, 225),
		Hostname: "192.168.2.225",
		Priority: [2]byte{0x01, 0xff},
		// DMGBase stays empty: API records carry full URIs.
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
