// Package data is an interface between catalog backend implementations and
// the BSDP server.
package data

import (
	"net"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ImageKind is the Type key of an NBI descriptor. Only BootFileOnly changes
// server behavior (no root disk image); the rest are informational.
type ImageKind string

// Image kinds seen in NBImageInfo.plist descriptors.
const (
	KindBootFileOnly ImageKind = "BootFileOnly"
	KindNetBoot      ImageKind = "NetBoot"
	KindNetInstall   ImageKind = "NetInstall"
)

// Image is one NetBoot image record. Both catalog strategies produce this
// shape; the protocol engine never learns which one was used.
type Image struct {
	// ID is the BSDP image id. Zero is forbidden in a catalog: the
	// filesystem loader drops such entries, the API loader maps a zero
	// priority to id 1.
	ID uint16

	// Name is what shows up in the client's boot picker, 1-255 bytes.
	Name string

	// Description is only used in logs.
	Description string

	// IsDefault marks the image a client boots without an explicit pick.
	IsDefault bool

	// Kind of the image. BootFileOnly records have no DMGRef.
	Kind ImageKind

	// BooterPath is the absolute local path of the kernel served over TFTP.
	BooterPath string

	// DMGRef locates the root disk image: a path fragment relative to the
	// catalog root in filesystem mode, a full URI in API mode.
	DMGRef string

	// EnabledSystemIDs is the model allow-list; empty means unrestricted.
	EnabledSystemIDs []string

	// DisabledSystemIDs is the model deny-list.
	DisabledSystemIDs []string

	// EnabledMACs is the MAC allow-list in lowercase aa:bb:cc:dd:ee:ff
	// form; empty means unrestricted.
	EnabledMACs []string
}

// NameLength returns the byte length of the image name as it will be
// emitted into boot_image_list entries.
func (i Image) NameLength() int {
	return len(i.Name)
}

// Client identifies one requesting machine, extracted from an INFORM.
type Client struct {
	// SystemID is the model identifier, e.g. "Mac-7DF21CB3ED6977E5",
	// pulled from the vendor class identifier.
	SystemID string

	// MAC is the lowercase colon-separated hardware address from chaddr.
	MAC string

	// IP is the address replies are sent to: ciaddr, or the requested IP
	// when the client has not finished acquiring a lease.
	IP net.IP
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (i Image) EncodeToAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("Image.ID", int(i.ID)),
		attribute.String("Image.Name", i.Name),
		attribute.String("Image.Kind", string(i.Kind)),
		attribute.Bool("Image.IsDefault", i.IsDefault),
		attribute.String("Image.BooterPath", i.BooterPath),
		attribute.String("Image.DMGRef", i.DMGRef),
	}
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (c Client) EncodeToAttributes() []attribute.KeyValue {
	var ip string
	if c.IP != nil {
		ip = c.IP.String()
	}
	return []attribute.KeyValue{
		attribute.String("Client.SystemID", c.SystemID),
		attribute.String("Client.MAC", strings.ToLower(c.MAC)),
		attribute.String("Client.IP", ip),
	}
}
