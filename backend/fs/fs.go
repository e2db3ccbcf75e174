// Package fs scans a local NetBoot image tree and serves it as an immutable
// catalog snapshot, optionally watching the tree for changes.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/macadmins/bsdp/data"
	"howett.net/plist"
)

// descriptorName is the per-bundle metadata file Apple's tooling writes.
const descriptorName = "NBImageInfo.plist"

// Errors used by the filesystem catalog.
var (
	errNoDescriptor = fmt.Errorf("no NBImageInfo.plist in bundle")
	errNoBooter     = fmt.Errorf("boot file not found in bundle")
	errNoDMG        = fmt.Errorf("no .dmg found in bundle")
	errNameLength   = fmt.Errorf("image name must be 1-255 bytes")
	errZeroIndex    = fmt.Errorf("image index is 0")
	errDisabled     = fmt.Errorf("image is disabled")
)

// Catalog represents the backend for scanning a directory of .nbi bundles
// and serving the records to the BSDP handler.
type Catalog struct {
	// Root is the directory under which .nbi bundles live, e.g. /nbi.
	Root string

	// Log is the logger to be used in the fs backend.
	Log logr.Logger

	images  atomic.Pointer[[]data.Image]
	watcher *fsnotify.Watcher
}

// NewCatalog scans root once and returns a catalog serving the result. The
// scan must succeed at least structurally (root readable); individual bad
// bundles are skipped with a logged reason.
func NewCatalog(l logr.Logger, root string) (*Catalog, error) {
	c := &Catalog{Root: root, Log: l}
	images, err := c.scan()
	if err != nil {
		return nil, err
	}
	c.images.Store(&images)
	return c, nil
}

// Read is the implementation of the Backend interface. It returns the
// current snapshot; entitlement filtering happens in the handler, so the
// client identity is unused here.
func (c *Catalog) Read(_ context.Context, _ data.Client) ([]data.Image, error) {
	if p := c.images.Load(); p != nil {
		return *p, nil
	}
	return nil, nil
}

// Refresh rescans the tree and atomically replaces the snapshot. On a total
// scan failure the previous snapshot stays in service.
func (c *Catalog) Refresh(_ context.Context) error {
	images, err := c.scan()
	if err != nil {
		c.Log.Error(err, "catalog rescan failed, keeping previous snapshot", "root", c.Root)
		return err
	}
	c.images.Store(&images)
	c.Log.Info("catalog rescanned", "root", c.Root, "images", len(images))
	return nil
}

// Start watches the catalog root and refreshes the snapshot when bundles
// appear, change or go away. Start is a blocking method. Use a context
// cancellation to exit.
func (c *Catalog) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.Root); err != nil {
		_ = watcher.Close()
		return err
	}
	c.watcher = watcher
	defer watcher.Close() // nolint: errcheck // nothing to do about it at shutdown

	for {
		select {
		case <-ctx.Done():
			c.Log.Info("stopping catalog watcher")
			return nil
		case event, ok := <-c.watcher.Events:
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.Log.Info("catalog root changed, rescanning", "event", event.Op.String(), "name", event.Name)
				_ = c.Refresh(ctx)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				continue
			}
			c.Log.Info("error watching catalog root", "err", err)
		}
	}
}

// scan walks Root for directories named *.nbi and loads each one. Bundles
// are not descended into beyond the descriptor lookup.
func (c *Catalog) scan() ([]data.Image, error) {
	var images []data.Image
	err := filepath.WalkDir(c.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || filepath.Ext(path) != ".nbi" {
			return nil
		}
		img, lerr := c.loadBundle(path)
		if lerr != nil {
			c.Log.Info("skipping bundle", "bundle", path, "reason", lerr)
			return fs.SkipDir
		}
		images = append(images, img)
		return fs.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", c.Root, err)
	}
	return images, nil
}

// loadBundle reads one .nbi directory into an Image, or reports why it is
// unusable.
func (c *Catalog) loadBundle(dir string) (data.Image, error) {
	descriptor, err := findFirst(descriptorName, dir)
	if err != nil {
		return data.Image{}, errNoDescriptor
	}
	raw, err := os.ReadFile(filepath.Clean(descriptor))
	if err != nil {
		return data.Image{}, err
	}
	var info imageInfo
	if _, err := plist.Unmarshal(raw, &info); err != nil {
		return data.Image{}, fmt.Errorf("parsing %s: %w", descriptorName, err)
	}

	return c.translate(info, dir)
}

// translate converts a parsed descriptor into a data.Image, resolving the
// booter and dmg paths inside the bundle.
func (c *Catalog) translate(info imageInfo, dir string) (data.Image, error) {
	if info.Index == 0 {
		return data.Image{}, errZeroIndex
	}
	if !info.IsEnabled {
		return data.Image{}, errDisabled
	}
	if len(info.Name) == 0 || len(info.Name) > 255 {
		return data.Image{}, fmt.Errorf("%w: %q is %d bytes", errNameLength, info.Name, len(info.Name))
	}

	img := data.Image{
		ID:                uint16(info.Index),
		Name:              info.Name,
		Description:       info.Description,
		IsDefault:         info.IsDefault,
		Kind:              data.ImageKind(info.Type),
		EnabledSystemIDs:  info.EnabledSystemIdentifiers,
		DisabledSystemIDs: info.DisabledSystemIdentifiers,
	}

	// Apple's tools write MAC allow-lists lowercase, but in case they
	// don't..
	for _, mac := range info.EnabledMACAddresses {
		img.EnabledMACs = append(img.EnabledMACs, strings.ToLower(mac))
	}

	// booter, required; the kernel the client fetches over TFTP.
	booter, err := findFirst(info.BootFile, dir)
	if err != nil {
		return data.Image{}, fmt.Errorf("%w: %q", errNoBooter, info.BootFile)
	}
	f, err := os.Open(filepath.Clean(booter))
	if err != nil {
		return data.Image{}, fmt.Errorf("booter not readable: %w", err)
	}
	_ = f.Close()
	img.BooterPath = booter

	// root dmg, required unless the image is boot-file-only. The stored
	// fragment drops the leading two path segments so it is relative to
	// what the file server exports.
	if img.Kind != data.KindBootFileOnly {
		dmg, err := findFirst("*.dmg", dir)
		if err != nil {
			return data.Image{}, errNoDMG
		}
		img.DMGRef = trimExportPrefix(dmg)
	}

	return img, nil
}

// findFirst returns the first file under dir whose base name matches
// pattern, in lexical walk order.
func findFirst(pattern, dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, merr := filepath.Match(pattern, d.Name())
		if merr != nil {
			return merr
		}
		if ok {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no match for %q under %s", pattern, dir)
	}
	return found, nil
}

// trimExportPrefix drops the two leading segments of a slash-separated
// path: "/nbi/Foo.nbi/NetBoot.dmg" becomes "Foo.nbi/NetBoot.dmg". The
// catalog root prefix is what the TFTP/NFS/HTTP server already exports.
func trimExportPrefix(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return strings.Join(parts[2:], "/")
}

// imageInfo is the schema of NBImageInfo.plist.
type imageInfo struct {
	Index                     int      `plist:"Index"`
	IsEnabled                 bool     `plist:"IsEnabled"`
	IsDefault                 bool     `plist:"IsDefault"`
	Name                      string   `plist:"Name"`
	Description               string   `plist:"Description"`
	BootFile                  string   `plist:"BootFile"`
	Type                      string   `plist:"Type"`
	EnabledSystemIdentifiers  []string `plist:"EnabledSystemIdentifiers"`
	DisabledSystemIdentifiers []string `plist:"DisabledSystemIdentifiers"`
	EnabledMACAddresses       []string `plist:"EnabledMACAddresses"`
}
