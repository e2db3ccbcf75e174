// Package api reads NetBoot image records from a remote catalog service.
//
// The service performs entitlement filtering server-side: the per-client
// query already returns only the images that client may boot, so records
// come back with empty restriction sets.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/macadmins/bsdp/data"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/macadmins/bsdp"

// Errors used by the api backend.
var (
	errStatus  = fmt.Errorf("unexpected catalog response status")
	errNotNBI  = fmt.Errorf("root_dmg_url does not reference an .nbi")
	errResolve = fmt.Errorf("failed to resolve catalog host")
)

// Backend config for talking to the catalog service.
type Backend struct {
	Log logr.Logger

	// URL is the catalog endpoint.
	URL string

	// Key is an opaque credential sent as a bearer token. Empty disables it.
	Key string

	// TFTPRoot is the local directory booters are served from; booter_url
	// values are joined onto it.
	TFTPRoot string

	// HTTPClient overrides http.DefaultClient, mostly for tests.
	HTTPClient *http.Client

	// LookupIP overrides the resolver used to turn catalog hostnames into
	// literal addresses, mostly for tests.
	LookupIP func(host string) ([]net.IP, error)

	mu    sync.Mutex
	hosts map[string]string // hostname -> literal IPv4, resolved once
}

// apiImage is one record of the catalog response.
type apiImage struct {
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	BooterURL  string `json:"booter_url"`
	RootDMGURL string `json:"root_dmg_url"`
}

type apiResponse struct {
	Images []apiImage `json:"images"`
}

// Read is the api implementation of the Backend interface. It queries the
// catalog for the images this client is entitled to.
func (b *Backend) Read(ctx context.Context, c data.Client) ([]data.Image, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "backend.api.Read")
	defer span.End()

	q := url.Values{}
	q.Set("mac_address", c.MAC)
	q.Set("model_name", c.SystemID)
	if c.IP != nil {
		q.Set("ip_address", c.IP.String())
	}
	resp, err := b.get(ctx, q)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var images []data.Image
	for _, r := range resp.Images {
		img, err := b.translate(r)
		if err != nil {
			b.Log.Info("skipping catalog entry", "name", r.Name, "reason", err)
			continue
		}
		images = append(images, img)
	}
	span.SetStatus(codes.Ok, "")
	return images, nil
}

// ReadAllURIs asks the catalog for every root dmg URI it knows about,
// which is the input of a prefetch pass.
func (b *Backend) ReadAllURIs(ctx context.Context) ([]string, error) {
	q := url.Values{}
	q.Set("all", "true")
	resp, err := b.get(ctx, q)
	if err != nil {
		return nil, err
	}
	var uris []string
	for _, r := range resp.Images {
		if !strings.Contains(r.RootDMGURL, ".nbi") {
			continue
		}
		uris = append(uris, r.RootDMGURL)
	}
	return uris, nil
}

// get issues one catalog query and decodes the response body.
func (b *Backend) get(ctx context.Context, q url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if b.Key != "" {
		req.Header.Set("Authorization", "Bearer "+b.Key)
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint: errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errStatus, resp.Status)
	}
	out := &apiResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decoding catalog response: %w", err)
	}
	return out, nil
}

// translate converts one catalog record into a data.Image. Restriction
// sets stay empty: the catalog already filtered for this client.
func (b *Backend) translate(r apiImage) (data.Image, error) {
	if !strings.Contains(r.RootDMGURL, ".nbi") {
		return data.Image{}, fmt.Errorf("%w: %q", errNotNBI, r.RootDMGURL)
	}
	dmg, err := b.literalHostURL(r.RootDMGURL)
	if err != nil {
		return data.Image{}, err
	}

	id := uint16(r.Priority)
	if id == 0 {
		id = 1
	}
	return data.Image{
		ID:          id,
		Name:        r.Name,
		Description: r.Name,
		Kind:        data.KindNetBoot,
		BooterPath:  filepath.Join(b.TFTPRoot, r.BooterURL),
		DMGRef:      dmg,
	}, nil
}

// literalHostURL rewrites a URI so its host is a literal IPv4 address. EFI
// BSDP clients do not perform DNS lookups, so the resolution has to happen
// here, once per host.
func (b *Backend) literalHostURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return raw, nil
	}
	lit, err := b.resolve(host)
	if err != nil {
		return "", err
	}
	if p := u.Port(); p != "" {
		u.Host = net.JoinHostPort(lit, p)
	} else {
		u.Host = lit
	}
	b.Log.V(1).Info("resolved catalog host", "host", host, "ip", lit)
	return u.String(), nil
}

// resolve caches hostname lookups for the life of the backend.
func (b *Backend) resolve(host string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hosts == nil {
		b.hosts = map[string]string{}
	}
	if lit, ok := b.hosts[host]; ok {
		return lit, nil
	}
	lookup := b.LookupIP
	if lookup == nil {
		lookup = net.LookupIP
	}
	addrs, err := lookup(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errResolve, err)
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			b.hosts[host] = v4.String()
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("%w: no IPv4 address for %s", errResolve, host)
}

func (b *Backend) client() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}
