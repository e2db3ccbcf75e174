// Command bsdpd answers BSDP LIST/SELECT requests from NetBoot clients,
// serving images from a local .nbi tree or a remote catalog API.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/go-playground/validator/v10"
	"github.com/macadmins/bsdp"
	"github.com/macadmins/bsdp/backend/api"
	"github.com/macadmins/bsdp/backend/fs"
	"github.com/macadmins/bsdp/handler/netboot"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"inet.af/netaddr"
)

func main() {
	exitCode := 0
	defer func() {
		os.Exit(exitCode)
	}()

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer done()
	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, "github.com/macadmins/bsdp")
	defer otelShutdown(ctx)

	if err := execute(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "{\"err\":\"%v\"}\n", err)
		exitCode = 1
	}
}

func execute(ctx context.Context, args []string) error {
	c := commandDefaults()
	fset := flag.NewFlagSet("bsdpd", flag.ExitOnError)
	c.RegisterFlags(fset)
	cmd := &ffcli.Command{
		Name:       "bsdpd",
		ShortUsage: "Run the BSDP NetBoot server",
		FlagSet:    fset,
		Options: []ff.Option{
			ff.WithEnvVarPrefix("BSDPD"),
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(yamlConfigParser),
			ff.WithAllowMissingConfigFile(true),
		},
		Exec: func(ctx context.Context, args []string) error {
			c.log = defaultLogger(c.logLevel)
			c.log = c.log.WithName("bsdpd")
			if err := c.Validate(); err != nil {
				return err
			}

			return c.Run(ctx)
		},
	}
	if err := cmd.Parse(args); err != nil {
		return err
	}

	return cmd.Run(ctx)
}

// Validate checks the command struct for validation errors.
func (c *command) Validate() error {
	return validator.New().Struct(c)
}

func (c *command) Run(ctx context.Context) error {
	l := c.log

	ip, err := c.serverIP()
	if err != nil {
		return err
	}
	var priority [2]byte
	if _, err := rand.Read(priority[:]); err != nil {
		return fmt.Errorf("randomizing server priority: %w", err)
	}
	l.Info("server identity", "ip", ip.String(), "priority", priority)

	dmgBase, err := c.dmgBase(ip)
	if err != nil {
		return err
	}
	if dmgBase != "" {
		l.Info("using dmg base path", "base", dmgBase)
	}

	h := &netboot.Handler{
		Log:         l,
		IPAddr:      ip,
		Hostname:    ip.String(),
		Priority:    priority,
		DMGBase:     dmgBase,
		OTELEnabled: c.OTELEnabled,
	}

	var refresher bsdp.Refresher
	if c.APIURL != "" {
		b := &api.Backend{Log: l, URL: c.APIURL, Key: c.APIKey, TFTPRoot: c.TFTPRoot}
		h.Backend = b
		refresher = b
		l.Info("using remote catalog", "url", c.APIURL)
	} else {
		b, err := fs.NewCatalog(l, c.Path)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", c.Path, err)
		}
		h.Backend = b
		refresher = b
		if c.Watch {
			go func() {
				if err := b.Start(ctx); err != nil {
					l.Error(err, "catalog watcher stopped")
				}
			}()
		}
		l.Info("using local catalog", "path", c.Path)
	}

	srv, err := bsdp.NewServer(c.Iface, &net.UDPAddr{IP: net.IPv4zero, Port: 67}, h,
		bsdp.WithLogger(l),
		bsdp.WithRefresher(refresher),
	)
	if err != nil {
		return err
	}
	l.Info("starting bsdp server", "iface", c.Iface, "proto", c.Proto)
	err = srv.Serve(ctx)
	l.Info("shutting down bsdp server")
	return err
}

// serverIP resolves the address clients will fetch booters from: the
// configured external IP when the daemon sits behind NAT or a container
// bridge, the interface's own address otherwise.
func (c *command) serverIP() (netaddr.IP, error) {
	if c.ExternalIP != "" {
		ip, err := netaddr.ParseIP(c.ExternalIP)
		if err != nil {
			return netaddr.IP{}, fmt.Errorf("parsing external IP: %w", err)
		}
		return ip, nil
	}
	return interfaceIPv4(c.Iface)
}

// dmgBase builds the root_path prefix for filesystem mode. API-mode records
// carry full URIs, so the base stays empty there.
func (c *command) dmgBase(serverIP netaddr.IP) (string, error) {
	if c.APIURL != "" {
		return "", nil
	}
	if c.Proto == "nfs" {
		return "nfs:" + serverIP.String() + ":" + c.Path + ":", nil
	}
	if c.NBIURL == "" {
		return "http://" + serverIP.String() + "/", nil
	}

	// EFI BSDP clients don't do DNS, so a configured hostname gets
	// resolved to a literal once, here.
	u, err := url.Parse(c.NBIURL)
	if err != nil {
		return "", fmt.Errorf("parsing nbi url: %w", err)
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return "", fmt.Errorf("resolving nbi url host %q: %w", host, err)
		}
		resolved := ""
		for _, a := range addrs {
			if v4 := a.To4(); v4 != nil {
				resolved = v4.String()
				break
			}
		}
		if resolved == "" {
			return "", fmt.Errorf("no IPv4 address for nbi url host %q", host)
		}
		c.log.Info("resolved nbi url host", "host", host, "ip", resolved)
		host = resolved
	}
	return "http://" + host + u.Path + "/", nil
}

// interfaceIPv4 returns the first IPv4 address of the named interface.
func interfaceIPv4(name string) (netaddr.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return netaddr.IP{}, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netaddr.IP{}, err
	}
	for _, addr := range addrs {
		ipn, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			ip, ok := netaddr.FromStdIP(v4)
			if ok {
				return ip, nil
			}
		}
	}
	return netaddr.IP{}, fmt.Errorf("no IPv4 address on interface %q", name)
}
