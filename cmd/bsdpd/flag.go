package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// command is the full configuration surface of the daemon. Every field is
// settable by flag, BSDPD_* env var, or YAML config file.
type command struct {
	log      logr.Logger
	logLevel string

	// Path is the local directory .nbi bundles are scanned from and the
	// NFS export named in nfs root paths.
	Path string

	// Proto selects how root disk images are served in filesystem mode.
	Proto string `validate:"oneof=http nfs"`

	// Iface is the interface whose IPv4 address identifies the server.
	Iface string

	// ExternalIP overrides the interface address, for NAT and containers.
	ExternalIP string `validate:"omitempty,ip4_addr"`

	// NBIURL overrides the HTTP dmg base, e.g. a separate file host.
	NBIURL string `validate:"omitempty,url"`

	// APIURL switches the catalog to a remote service and disables
	// filesystem scanning.
	APIURL string `validate:"omitempty,url"`

	// APIKey is the credential sent with catalog requests.
	APIKey string

	// TFTPRoot is where API-mode boot artifacts are mirrored.
	TFTPRoot string

	// Watch rescans the local catalog when the tree changes, in addition
	// to the SIGUSR1 trigger.
	Watch bool

	// OTELEnabled is copied into the handler's OTELEnabled field. Tracing
	// is initialised whether or not it is set.
	OTELEnabled bool
}

func commandDefaults() *command {
	return &command{
		logLevel: "info",
		Path:     "/nbi",
		Proto:    "http",
		Iface:    "eth0",
		TFTPRoot: "/nbi",
	}
}

// RegisterFlags registers the flag set for the bsdpd command.
func (c *command) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Path, "path", c.Path, "path to serve NBIs from")
	f.StringVar(&c.Proto, "proto", c.Proto, "protocol to serve root disk images with (http or nfs)")
	f.StringVar(&c.Iface, "iface", c.Iface, "interface to listen on")
	f.StringVar(&c.ExternalIP, "external-ip", "", "IP to hand to clients instead of the interface address")
	f.StringVar(&c.NBIURL, "nbi-url", "", "HTTP file host serving root disk images")
	f.StringVar(&c.APIURL, "api-url", "", "remote catalog endpoint; enables API mode")
	f.StringVar(&c.APIKey, "api-key", "", "credential for the remote catalog")
	f.StringVar(&c.TFTPRoot, "tftp-root", c.TFTPRoot, "local root for mirrored TFTP artifacts")
	f.BoolVar(&c.Watch, "watch", false, "rescan the local catalog on filesystem changes")
	f.BoolVar(&c.OTELEnabled, "otel-enabled", false, "set the handler's OTELEnabled field (tracing runs either way)")
	f.StringVar(&c.logLevel, "log-level", c.logLevel, "log level")
	f.String("config", "", "YAML config file")
}

// yamlConfigParser adapts a flat YAML document to ff's config hook, so
// `path: /nbi` in a file behaves like -path on the command line.
func yamlConfigParser(r io.Reader, set func(name, value string) error) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	vals := map[string]string{}
	if err := yaml.Unmarshal(b, &vals); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	for name, value := range vals {
		if err := set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// defaultLogger is a zerolog logr implementation.
func defaultLogger(level string) logr.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	zl := zerolog.New(os.Stdout)
	zl = zl.With().Caller().Timestamp().Logger()
	var l zerolog.Level
	switch level {
	case "debug":
		l = zerolog.DebugLevel
	default:
		l = zerolog.InfoLevel
	}
	zl = zl.Level(l)

	return zerologr.New(&zl)
}
