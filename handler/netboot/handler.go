package netboot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/macadmins/bsdp"
	"github.com/macadmins/bsdp/data"
	oteldhcp "github.com/macadmins/bsdp/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Errors used by the handler.
var (
	errNoSystemID = errors.New("no system ID in vendor class identifier")
	errNoMAC      = errors.New("no client hardware address")
)

// Handle responds to BSDP INFORM packets carrying a LIST or SELECT request.
// Anything else is dropped without a reply; BSDP clients retry rather than
// act on failures.
func (h *Handler) Handle(conn net.PacketConn, peer net.Addr, pkt *dhcpv4.DHCPv4) {
	h.setDefaults()
	if pkt == nil {
		h.Log.Error(errors.New("incoming packet is nil"), "not able to respond when the incoming packet is nil")
		return
	}

	blob := pkt.Options.Get(dhcpv4.OptionVendorSpecificInformation)
	mt := bsdp.MessageTypeOf(blob)
	if mt != bsdp.MessageTypeList && mt != bsdp.MessageTypeSelect {
		return
	}

	client, err := clientFromPacket(pkt)
	if err != nil {
		h.Log.V(1).Info("dropping BSDP packet", "reason", err, "mac", pkt.ClientHWAddr.String())
		return
	}
	opts, err := bsdp.DecodeVendorOptions(blob)
	if err != nil {
		// The message type sub-option decoded, so keep what we got and
		// let the per-field accessors reject the rest.
		h.Log.V(1).Info("partially decoded vendor options", "err", err, "mac", client.MAC)
	}

	log := h.Log.WithValues("mac", client.MAC, "systemID", client.SystemID, "type", mt.String())
	log.Info("received BSDP packet")
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(context.Background(),
		fmt.Sprintf("BSDP Packet Received: %v", mt.String()),
		trace.WithAttributes(h.encodeToAttributes(pkt, "request")...),
		trace.WithAttributes(client.EncodeToAttributes()...),
		trace.WithAttributes(attribute.String("BSDP.peer", peer.String())),
	)
	defer span.End()

	images, err := h.readBackend(ctx, client)
	if err != nil {
		log.Error(err, "error reading from backend")
		span.SetStatus(codes.Error, err.Error())

		return
	}
	ent := Entitle(images, client, log)

	var reply *dhcpv4.DHCPv4
	switch mt {
	case bsdp.MessageTypeList:
		reply = h.listReply(ctx, pkt, ent)
	case bsdp.MessageTypeSelect:
		reply = h.selectReply(ctx, pkt, ent, opts, log)
	}
	if reply == nil {
		span.SetStatus(codes.Ok, "no reply required")

		return
	}

	dst := &net.UDPAddr{IP: replyIP(client), Port: int(opts.ReplyPort())}
	if _, err := conn.WriteTo(reply.ToBytes(), dst); err != nil {
		log.Error(err, "failed to send BSDP reply", "dst", dst.String())
		span.SetStatus(codes.Error, err.Error())

		return
	}

	log.Info("sent BSDP reply", "dst", dst.String())
	span.SetAttributes(h.encodeToAttributes(reply, "reply")...)
	span.SetStatus(codes.Ok, "sent BSDP reply")
}

// readBackend encapsulates the backend read and opentelemetry handling.
func (h *Handler) readBackend(ctx context.Context, c data.Client) ([]data.Image, error) {
	h.setDefaults()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Catalog read")
	defer span.End()

	images, err := h.Backend.Read(ctx, c)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}
	span.SetAttributes(attribute.Int("Catalog.Images", len(images)))
	span.SetStatus(codes.Ok, "done reading from backend")

	return images, nil
}

// listReply composes the ACK for a LIST request: message type, server
// priority, the default image when there is one, and the image list. The
// list sub-option is emitted even when empty.
func (h *Handler) listReply(ctx context.Context, pkt *dhcpv4.DHCPv4, ent Entitlement) *dhcpv4.DHCPv4 {
	_, span := otel.Tracer(tracerName).Start(ctx, "BSDP List Message")
	defer span.End()
	span.SetAttributes(
		attribute.Int("Entitlement.Images", len(ent.Images)),
		attribute.Int("Entitlement.DefaultID", int(ent.DefaultID)),
	)

	vopts := []bsdp.Option{
		{Code: bsdp.OptionMessageType, Value: []byte{byte(bsdp.MessageTypeList)}},
		{Code: bsdp.OptionServerPriority, Value: h.Priority[:]},
	}
	if ent.DefaultID != 0 {
		vopts = append(vopts, bsdp.Option{Code: bsdp.OptionDefaultBootImage, Value: bsdp.EncodeImageID(ent.DefaultID)})
	}
	vopts = append(vopts, bsdp.Option{Code: bsdp.OptionBootImageList, Value: ent.ListBlob})

	blob, err := bsdp.EncodeVendorOptions(vopts)
	if err != nil {
		h.Log.Error(err, "cannot encode LIST reply, dropping request")
		return nil
	}
	return h.reply(pkt, blob)
}

// selectReply composes the ACK for a SELECT request: the booter path in the
// file header and the root dmg URI in option 17. An id outside the client's
// entitled set gets no reply at all.
func (h *Handler) selectReply(ctx context.Context, pkt *dhcpv4.DHCPv4, ent Entitlement, opts bsdp.VendorOptions, log logr.Logger) *dhcpv4.DHCPv4 {
	_, span := otel.Tracer(tracerName).Start(ctx, "BSDP Select Message")
	defer span.End()

	id, err := opts.SelectedImageID()
	if err != nil {
		log.V(1).Info("dropping SELECT", "reason", err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	img, ok := ent.ImageByID(id)
	if !ok {
		log.Info("client selected an image it is not entitled to, dropping", "imageID", id)
		span.SetStatus(codes.Error, "selected image not in entitled set")
		return nil
	}
	span.SetAttributes(img.EncodeToAttributes()...)

	rootPath := img.DMGRef
	if h.DMGBase != "" {
		rootPath = h.DMGBase + img.DMGRef
	}

	blob, err := bsdp.EncodeVendorOptions([]bsdp.Option{
		{Code: bsdp.OptionMessageType, Value: []byte{byte(bsdp.MessageTypeSelect)}},
		{Code: bsdp.OptionSelectedBootImage, Value: bsdp.EncodeImageID(id)},
	})
	if err != nil {
		log.Error(err, "cannot encode SELECT reply, dropping request")
		return nil
	}

	booter := img.BooterPath
	return h.reply(pkt, blob,
		dhcpv4.WithGeneric(dhcpv4.OptionRootPath, []byte(rootPath)),
		func(d *dhcpv4.DHCPv4) {
			d.BootFileName = booter
		},
	)
}

// reply fills the common BSDP ACK envelope: op/htype/xid/chaddr mirrored
// from the request, siaddr and server_identifier set to the server address,
// sname the server hostname, vendor class AAPLBSDPC.
func (h *Handler) reply(pkt *dhcpv4.DHCPv4, blob []byte, extra ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
		dhcpv4.WithGeneric(dhcpv4.OptionServerIdentifier, h.IPAddr.IPAddr().IP.To4()),
		dhcpv4.WithServerIP(h.IPAddr.IPAddr().IP.To4()),
		dhcpv4.WithGeneric(dhcpv4.OptionClassIdentifier, []byte(bsdp.VendorClass)),
		dhcpv4.WithGeneric(dhcpv4.OptionVendorSpecificInformation, blob),
		func(d *dhcpv4.DHCPv4) {
			d.ClientIPAddr = pkt.ClientIPAddr
			d.ServerHostName = h.Hostname
		},
	}
	mods = append(mods, extra...)
	reply, err := dhcpv4.NewReplyFromRequest(pkt, mods...)
	if err != nil {
		h.Log.Error(err, "failed to build reply envelope")
		return nil
	}
	return reply
}

// clientFromPacket extracts the client identity the entitlement filter
// needs. Apple encodes the model as AAPLBSDPC/<arch>/<model> in the vendor
// class identifier.
func clientFromPacket(pkt *dhcpv4.DHCPv4) (data.Client, error) {
	vci := pkt.ClassIdentifier()
	parts := strings.Split(vci, "/")
	if len(parts) < 3 || parts[0] != bsdp.VendorClass {
		return data.Client{}, fmt.Errorf("%w: %q", errNoSystemID, vci)
	}

	mac := pkt.ClientHWAddr
	if len(mac) == 0 {
		return data.Client{}, errNoMAC
	}
	if len(mac) > 6 {
		mac = mac[:6]
	}

	// Older Macs can be slow to finish DHCP; when ciaddr is still empty,
	// use the address the client asked its DHCP server for and hope it
	// was granted.
	ip := pkt.ClientIPAddr
	if ip == nil || ip.IsUnspecified() {
		ip = pkt.RequestedIPAddress()
	}

	return data.Client{
		SystemID: parts[2],
		MAC:      mac.String(),
		IP:       ip,
	}, nil
}

// replyIP is where the reply is addressed: the client's IP when we know
// it, the broadcast address when we never learned one.
func replyIP(c data.Client) net.IP {
	if c.IP == nil || c.IP.IsUnspecified() {
		return net.IPv4bcast
	}
	return c.IP
}

// encodeToAttributes takes a DHCP packet and returns opentelemetry key/value attributes.
func (h *Handler) encodeToAttributes(d *dhcpv4.DHCPv4, namespace string) []attribute.KeyValue {
	h.setDefaults()
	a := &oteldhcp.Encoder{Log: h.Log}

	return a.Encode(d, namespace, oteldhcp.AllEncoders()...)
}
