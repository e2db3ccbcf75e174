package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tftpArtifacts are the files an Intel Mac requests over TFTP before it can
// mount the root dmg. They have to exist locally before the first client
// asks for them.
var tftpArtifacts = []string{
	"i386/booter",
	"i386/com.apple.Boot.plist",
	"i386/PlatformSupport.plist",
	"i386/x86_64/kernelcache",
}

// Refresh mirrors the TFTP-served artifacts of every catalog image under
// TFTPRoot. Files already present are left alone, so a second pass against
// an unchanged catalog writes nothing. Per-artifact failures are logged and
// do not stop the pass; the client's TFTP fetch will ultimately fail for
// that image and nothing else.
func (b *Backend) Refresh(ctx context.Context) error {
	uris, err := b.ReadAllURIs(ctx)
	if err != nil {
		b.Log.Error(err, "prefetch pass skipped, catalog unreachable")
		return err
	}
	for _, source := range uris {
		if err := b.mirror(ctx, source); err != nil {
			b.Log.Info("failed to mirror image artifacts", "source", source, "err", err)
		}
	}
	return nil
}

// mirror fetches the fixed artifact set for one image URI into the local
// mirror directory derived from its path.
func (b *Backend) mirror(ctx context.Context, source string) error {
	base, rsrc, err := splitSource(source)
	if err != nil {
		return err
	}
	local := filepath.Join(b.TFTPRoot, rsrc)

	for _, item := range tftpArtifacts {
		target := filepath.Join(local, item)
		if _, err := os.Stat(target); err == nil {
			b.Log.V(1).Info("TFTP item already cached, skipping", "item", target)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			b.Log.Info("failed to create mirror directory", "dir", filepath.Dir(target), "err", err)
			continue
		}
		if err := b.download(ctx, base+"/"+item, target); err != nil {
			b.Log.Info("failed to cache TFTP item", "item", target, "err", err)
			continue
		}
		b.Log.Info("cached TFTP item", "item", target)
	}
	return nil
}

// splitSource turns an image URI into the remote base URL its artifacts
// hang off and the root-relative mirror path.
func splitSource(source string) (base, rsrc string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", err
	}
	rsrc = strings.TrimPrefix(path.Dir(u.Path), "/")
	base = u.Scheme + "://" + u.Host + "/" + rsrc
	return base, rsrc, nil
}

// download fetches one artifact to disk, streaming the body.
func (b *Backend) download(ctx context.Context, from, to string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, from, nil)
	if err != nil {
		return err
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint: errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s fetching %s", errStatus, resp.Status, from)
	}

	f, err := os.Create(filepath.Clean(to))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(to)
		return err
	}
	return f.Close()
}
