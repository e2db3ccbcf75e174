package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
)

// prefetchServer serves both the catalog endpoint (at /catalog) and the
// image artifacts, counting artifact fetches.
type prefetchServer struct {
	mu      sync.Mutex
	fetches map[string]int
	missing string // artifact path suffix that 404s
	srv     *httptest.Server
}

func newPrefetchServer(t *testing.T) *prefetchServer {
	t.Helper()
	p := &prefetchServer{fetches: map[string]int{}}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/catalog" {
			_ = json.NewEncoder(w).Encode(apiResponse{Images: []apiImage{
				{Name: "TestImage", RootDMGURL: p.srv.URL + "/nbi/TestImage.nbi/NetBoot.dmg"},
			}})
			return
		}
		p.mu.Lock()
		p.fetches[r.URL.Path]++
		p.mu.Unlock()
		if p.missing != "" && strings.HasSuffix(r.URL.Path, p.missing) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("artifact:" + r.URL.Path))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *prefetchServer) artifactFetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.fetches {
		n += c
	}
	return n
}

func TestRefreshMirrorsArtifacts(t *testing.T) {
	p := newPrefetchServer(t)
	root := t.TempDir()
	b := &Backend{Log: logr.Discard(), URL: p.srv.URL + "/catalog", TFTPRoot: root}

	if err := b.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, item := range tftpArtifacts {
		target := filepath.Join(root, "nbi/TestImage.nbi", item)
		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatalf("artifact %s not mirrored: %v", item, err)
		}
		if !strings.HasPrefix(string(got), "artifact:") {
			t.Fatalf("artifact %s has unexpected content %q", item, got)
		}
	}
	if n := p.artifactFetches(); n != len(tftpArtifacts) {
		t.Fatalf("fetched %d artifacts, want %d", n, len(tftpArtifacts))
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	p := newPrefetchServer(t)
	root := t.TempDir()
	b := &Backend{Log: logr.Discard(), URL: p.srv.URL + "/catalog", TFTPRoot: root}

	if err := b.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := p.artifactFetches()
	if err := b.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := p.artifactFetches(); n != first {
		t.Fatalf("second refresh fetched %d more artifacts, want 0", n-first)
	}
}

func TestRefreshContinuesPastArtifactFailure(t *testing.T) {
	p := newPrefetchServer(t)
	p.missing = "kernelcache"
	root := t.TempDir()
	b := &Backend{Log: logr.Discard(), URL: p.srv.URL + "/catalog", TFTPRoot: root}

	if err := b.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "nbi/TestImage.nbi/i386/booter")); err != nil {
		t.Fatalf("surviving artifact missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "nbi/TestImage.nbi/i386/x86_64/kernelcache")); err == nil {
		t.Fatal("404 artifact should not exist locally")
	}
}

func TestRefreshCatalogUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	b := &Backend{Log: logr.Discard(), URL: srv.URL, TFTPRoot: t.TempDir()}
	if err := b.Refresh(context.Background()); err == nil {
		t.Fatal("expected an error when the catalog is unreachable")
	}
}
