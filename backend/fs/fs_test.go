package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/macadmins/bsdp/data"
)

type bundle struct {
	name      string // directory name, e.g. "TestImage.nbi"
	index     int
	enabled   bool
	isDefault bool
	imageName string
	kind      string
	bootFile  string
	dmg       string // file name, empty to omit
	enabledID []string
	disabled  []string
	macs      []string
}

func writeBundle(t *testing.T, root string, b bundle) string {
	t.Helper()
	dir := filepath.Join(root, b.name)
	if err := os.MkdirAll(filepath.Join(dir, "i386"), 0o755); err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
`)
	fmt.Fprintf(&sb, "\t<key>Index</key><integer>%d</integer>\n", b.index)
	fmt.Fprintf(&sb, "\t<key>IsEnabled</key><%t/>\n", b.enabled)
	fmt.Fprintf(&sb, "\t<key>IsDefault</key><%t/>\n", b.isDefault)
	fmt.Fprintf(&sb, "\t<key>Name</key><string>%s</string>\n", b.imageName)
	fmt.Fprintf(&sb, "\t<key>Description</key><string>%s description</string>\n", b.imageName)
	fmt.Fprintf(&sb, "\t<key>BootFile</key><string>%s</string>\n", b.bootFile)
	fmt.Fprintf(&sb, "\t<key>Type</key><string>%s</string>\n", b.kind)
	writeArray(&sb, "EnabledSystemIdentifiers", b.enabledID)
	writeArray(&sb, "DisabledSystemIdentifiers", b.disabled)
	if b.macs != nil {
		writeArray(&sb, "EnabledMACAddresses", b.macs)
	}
	sb.WriteString("</dict>\n</plist>\n")
	if err := os.WriteFile(filepath.Join(dir, "NBImageInfo.plist"), []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	if b.bootFile != "" {
		if err := os.WriteFile(filepath.Join(dir, "i386", b.bootFile), []byte("kernel"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if b.dmg != "" {
		if err := os.WriteFile(filepath.Join(dir, b.dmg), []byte("dmg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func writeArray(sb *strings.Builder, key string, values []string) {
	fmt.Fprintf(sb, "\t<key>%s</key>\n\t<array>\n", key)
	for _, v := range values {
		fmt.Fprintf(sb, "\t\t<string>%s</string>\n", v)
	}
	sb.WriteString("\t</array>\n")
}

func exportRef(p string) string {
	return strings.Join(strings.Split(p, "/")[2:], "/")
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	dir := writeBundle(t, root, bundle{
		name:      "TestImage.nbi",
		index:     0x1001,
		enabled:   true,
		isDefault: true,
		imageName: "TestImage",
		kind:      "NetBoot",
		bootFile:  "booter",
		dmg:       "NetBoot.dmg",
		macs:      []string{"AA:BB:CC:DD:EE:FF"},
	})
	// These never make it into the catalog.
	writeBundle(t, root, bundle{name: "ZeroIndex.nbi", index: 0, enabled: true, imageName: "Zero", kind: "NetBoot", bootFile: "booter", dmg: "a.dmg"})
	writeBundle(t, root, bundle{name: "Disabled.nbi", index: 2, enabled: false, imageName: "Off", kind: "NetBoot", bootFile: "booter", dmg: "a.dmg"})
	writeBundle(t, root, bundle{name: "NoDMG.nbi", index: 3, enabled: true, imageName: "NoDMG", kind: "NetBoot", bootFile: "booter"})
	writeBundle(t, root, bundle{name: "NoBooter.nbi", index: 4, enabled: true, imageName: "NoBooter", kind: "NetBoot", bootFile: "", dmg: "a.dmg"})
	writeBundle(t, root, bundle{name: "LongName.nbi", index: 5, enabled: true, imageName: strings.Repeat("x", 256), kind: "NetBoot", bootFile: "booter", dmg: "a.dmg"})

	c, err := NewCatalog(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}
	images, err := c.Read(context.Background(), data.Client{})
	if err != nil {
		t.Fatal(err)
	}
	want := []data.Image{{
		ID:          0x1001,
		Name:        "TestImage",
		Description: "TestImage description",
		IsDefault:   true,
		Kind:        data.KindNetBoot,
		BooterPath:  filepath.Join(dir, "i386", "booter"),
		DMGRef:      exportRef(filepath.Join(dir, "NetBoot.dmg")),
		EnabledMACs: []string{"aa:bb:cc:dd:ee:ff"},
	}}
	if diff := cmp.Diff(images, want, cmpopts.EquateEmpty()); diff != "" {
		t.Fatal(diff)
	}
}

func TestScanBootFileOnly(t *testing.T) {
	root := t.TempDir()
	dir := writeBundle(t, root, bundle{
		name:      "Diag.nbi",
		index:     9,
		enabled:   true,
		imageName: "Diagnostics",
		kind:      "BootFileOnly",
		bootFile:  "booter",
	})
	c, err := NewCatalog(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}
	images, _ := c.Read(context.Background(), data.Client{})
	want := []data.Image{{
		ID:          9,
		Name:        "Diagnostics",
		Description: "Diagnostics description",
		Kind:        data.KindBootFileOnly,
		BooterPath:  filepath.Join(dir, "i386", "booter"),
	}}
	if diff := cmp.Diff(images, want, cmpopts.EquateEmpty()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRefresh(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, bundle{name: "One.nbi", index: 1, enabled: true, imageName: "One", kind: "NetBoot", bootFile: "booter", dmg: "a.dmg"})

	c, err := NewCatalog(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}
	images, _ := c.Read(context.Background(), data.Client{})
	if len(images) != 1 {
		t.Fatalf("got %d images, want 1", len(images))
	}

	writeBundle(t, root, bundle{name: "Two.nbi", index: 2, enabled: true, imageName: "Two", kind: "NetBoot", bootFile: "booter", dmg: "b.dmg"})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	images, _ = c.Read(context.Background(), data.Client{})
	if len(images) != 2 {
		t.Fatalf("got %d images after refresh, want 2", len(images))
	}
}

func TestRefreshKeepsSnapshotOnFailure(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, bundle{name: "One.nbi", index: 1, enabled: true, imageName: "One", kind: "NetBoot", bootFile: "booter", dmg: "a.dmg"})

	c, err := NewCatalog(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}
	c.Root = filepath.Join(root, "does-not-exist")
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh of a missing root to fail")
	}
	images, _ := c.Read(context.Background(), data.Client{})
	if len(images) != 1 {
		t.Fatalf("previous snapshot lost: got %d images, want 1", len(images))
	}
}

func TestNewCatalogMissingRoot(t *testing.T) {
	if _, err := NewCatalog(logr.Discard(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected an error for an unreadable root")
	}
}

func TestTrimExportPrefix(t *testing.T) {
	tests := map[string]struct {
		input string
		want  string
	}{
		"absolute nbi path": {input: "/nbi/TestImage.nbi/NetBoot.dmg", want: "TestImage.nbi/NetBoot.dmg"},
		"nested dmg":        {input: "/nbi/A.nbi/sub/OS.dmg", want: "A.nbi/sub/OS.dmg"},
		"too short":         {input: "/NetBoot.dmg", want: "/NetBoot.dmg"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := trimExportPrefix(tt.input); got != tt.want {
				t.Fatalf("trimExportPrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
