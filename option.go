package bsdp

import (
	"encoding/binary"
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// VendorClass is the DHCP option 60 value carried by BSDP requests and
// replies. Clients send "AAPLBSDPC/<arch>/<model>"; servers answer with the
// bare prefix.
const VendorClass = "AAPLBSDPC"

// ClientPort is the fallback reply port when a request carries no
// reply_port sub-option.
const ClientPort = dhcpv4.ClientPort

// OptionCode is a BSDP sub-option code inside DHCP option 43
// (vendor-encapsulated-options).
type OptionCode uint8

// BSDP sub-option codes.
// http://www.opensource.apple.com/source/bootp/bootp-268/Documentation/BSDP.doc
const (
	OptionMessageType         OptionCode = 1
	OptionVersion             OptionCode = 2
	OptionServerIdentifier    OptionCode = 3
	OptionServerPriority      OptionCode = 4
	OptionReplyPort           OptionCode = 5
	OptionImageIcon           OptionCode = 6 // unused by clients
	OptionDefaultBootImage    OptionCode = 7
	OptionSelectedBootImage   OptionCode = 8
	OptionBootImageList       OptionCode = 9
	OptionNetbootV1           OptionCode = 10
	OptionBootImageAttributes OptionCode = 11
	OptionMaxMessageSize      OptionCode = 12
)

var optionCodeNames = map[OptionCode]string{
	OptionMessageType:         "message_type",
	OptionVersion:             "version",
	OptionServerIdentifier:    "server_identifier",
	OptionServerPriority:      "server_priority",
	OptionReplyPort:           "reply_port",
	OptionImageIcon:           "image_icon",
	OptionDefaultBootImage:    "default_boot_image",
	OptionSelectedBootImage:   "selected_boot_image",
	OptionBootImageList:       "boot_image_list",
	OptionNetbootV1:           "netboot_v1",
	OptionBootImageAttributes: "boot_image_attributes",
	OptionMaxMessageSize:      "max_message_size",
}

// String function for OptionCode.
func (c OptionCode) String() string {
	if n, ok := optionCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// MessageType is the value of BSDP sub-option 1.
type MessageType byte

// BSDP message types.
const (
	MessageTypeNone   MessageType = 0
	MessageTypeList   MessageType = 1
	MessageTypeSelect MessageType = 2
	MessageTypeFailed MessageType = 3
)

// String function for MessageType.
func (m MessageType) String() string {
	switch m {
	case MessageTypeList:
		return "LIST"
	case MessageTypeSelect:
		return "SELECT"
	case MessageTypeFailed:
		return "FAILED"
	}
	return "NONE"
}

// Errors used by the vendor option codec.
var (
	errValueTooLong = fmt.Errorf("sub-option value exceeds 255 bytes")
	errTruncated    = fmt.Errorf("truncated vendor-encapsulated-options")
	errBadImageID   = fmt.Errorf("malformed boot image id")
)

// Option is one BSDP sub-option. Replies are built from ordered Option
// slices because clients parse the blob front to back.
type Option struct {
	Code  OptionCode
	Value []byte
}

// VendorOptions maps decoded sub-option codes to their raw values.
type VendorOptions map[OptionCode][]byte

// DecodeVendorOptions walks the (code, length, value) triples of a DHCP
// option 43 payload. A triple whose declared length runs past the end of the
// blob stops the walk with an error; sub-options decoded before that point
// are returned alongside it.
func DecodeVendorOptions(b []byte) (VendorOptions, error) {
	opts := VendorOptions{}
	for i := 0; i < len(b); {
		if i+2 > len(b) {
			return opts, fmt.Errorf("%w: option header at byte %d", errTruncated, i)
		}
		code := OptionCode(b[i])
		length := int(b[i+1])
		if i+2+length > len(b) {
			return opts, fmt.Errorf("%w: %v wants %d bytes, %d remain", errTruncated, code, length, len(b)-i-2)
		}
		opts[code] = b[i+2 : i+2+length]
		i += 2 + length
	}
	return opts, nil
}

// EncodeVendorOptions serializes sub-options in the given order. The BSDP
// length field is a single byte, so any value over 255 bytes fails.
func EncodeVendorOptions(opts []Option) ([]byte, error) {
	var b []byte
	for _, o := range opts {
		if len(o.Value) > 255 {
			return nil, fmt.Errorf("%w: %v is %d bytes", errValueTooLong, o.Code, len(o.Value))
		}
		b = append(b, byte(o.Code), byte(len(o.Value)))
		b = append(b, o.Value...)
	}
	return b, nil
}

// MessageTypeOf returns the BSDP message type of a vendor options blob.
// BSDP requires message_type to be the first sub-option; blobs that lead
// with anything else yield MessageTypeNone.
func MessageTypeOf(blob []byte) MessageType {
	if len(blob) < 3 {
		return MessageTypeNone
	}
	if OptionCode(blob[0]) != OptionMessageType || blob[1] != 1 {
		return MessageTypeNone
	}
	return MessageType(blob[2])
}

// EncodeImageID packs a boot image id the way every image-bearing BSDP
// sub-option carries it: an 0x81 0x00 attribute prefix followed by the id,
// big-endian.
func EncodeImageID(id uint16) []byte {
	return []byte{0x81, 0x00, byte(id >> 8), byte(id)}
}

// DecodeImageID reads the id out of a 4-byte boot image value. The two
// attribute bytes are not validated; clients disagree on what they send.
func DecodeImageID(b []byte) (uint16, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: got %d bytes, want 4", errBadImageID, len(b))
	}
	return binary.BigEndian.Uint16(b[2:4]), nil
}

// ReplyPort returns the port a BSDP reply must be sent to: the reply_port
// sub-option if the client randomized it (the Startup Disk pane does), the
// standard DHCP client port otherwise.
func (v VendorOptions) ReplyPort() uint16 {
	if p, ok := v[OptionReplyPort]; ok && len(p) == 2 {
		return binary.BigEndian.Uint16(p)
	}
	return ClientPort
}

// SelectedImageID returns the image id of the selected_boot_image
// sub-option, or an error if it is absent or malformed.
func (v VendorOptions) SelectedImageID() (uint16, error) {
	b, ok := v[OptionSelectedBootImage]
	if !ok {
		return 0, fmt.Errorf("%w: selected_boot_image missing", errBadImageID)
	}
	return DecodeImageID(b)
}
