// Package netboot implements the BSDP LIST/SELECT responder.
package netboot

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/macadmins/bsdp/backend/noop"
	"github.com/macadmins/bsdp/data"
	"inet.af/netaddr"
)

const tracerName = "github.com/macadmins/bsdp"

// BackendReader is the interface that wraps the Read method.
//
// Backends implement this interface to provide boot image records to the
// BSDP server.
type BackendReader interface {
	// Read returns the catalog records relevant to a client. Filesystem
	// catalogs return their whole snapshot; the remote catalog already
	// filters per client.
	Read(context.Context, data.Client) ([]data.Image, error)
}

// Handler responds to BSDP INFORM packets.
type Handler struct {
	Log logr.Logger

	// Backend is the catalog source.
	Backend BackendReader

	// IPAddr is the server's IPv4 address: siaddr, server_identifier and
	// the host clients fetch booters from.
	IPAddr netaddr.IP

	// Hostname goes into sname, usually the textual form of IPAddr.
	Hostname string

	// Priority is the two-byte server priority randomized at startup. It
	// breaks ties between concurrent BSDP servers on the same network.
	Priority [2]byte

	// DMGBase prefixes a record's dmg fragment when building root_path:
	// "http://<host>/<path>/" or "nfs:<ip>:<export>:". Leave empty when
	// the backend supplies full URIs (API mode).
	DMGBase string

	// OTELEnabled is not read by the handler; per-packet spans carry their
	// request and reply attributes whatever its value.
	OTELEnabled bool
}

// setDefaults will update the Handler struct to have default values so as
// to avoid panic for nil pointers and such.
func (h *Handler) setDefaults() {
	if h.Backend == nil {
		h.Backend = noop.Backend{}
	}
	if h.Log.GetSink() == nil {
		h.Log = logr.Discard()
	}
}
