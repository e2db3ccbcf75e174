// Package otel handles translating BSDP packet headers and options to otel
// key/value attributes.
package otel

import (
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/macadmins/bsdp"
	"go.opentelemetry.io/otel/attribute"
)

const keyNamespace = "BSDP"

// Encoder holds the otel key/value attributes.
type Encoder struct {
	Log        logr.Logger
	Attributes []attribute.KeyValue
}

// EncodeFn adds one packet field to an Encoder's attributes.
type EncodeFn func(e *Encoder, d *dhcpv4.DHCPv4, namespace string) error

type optNotFoundError struct {
	optName string
}

func (e *optNotFoundError) Error() string {
	return fmt.Sprintf("%q not found in DHCP packet", e.optName)
}

func (e *optNotFoundError) found() bool {
	return true
}

type found interface {
	found() bool
}

// OptNotFound returns true if err is an option not found error.
func OptNotFound(err error) bool {
	te, ok := err.(found)
	return ok && te.found()
}

// AllEncoders returns the encoders for every field a BSDP exchange touches.
func AllEncoders() []EncodeFn {
	return []EncodeFn{
		(*Encoder).EncodeCHADDR,
		(*Encoder).EncodeCIADDR,
		(*Encoder).EncodeSIADDR,
		(*Encoder).EncodeSNAME,
		(*Encoder).EncodeFILE,
		(*Encoder).EncodeOpt17,
		(*Encoder).EncodeOpt43,
		(*Encoder).EncodeOpt53,
		(*Encoder).EncodeOpt54,
		(*Encoder).EncodeOpt60,
	}
}

// Encode runs a slice of encoders against a DHCPv4 packet turning the values into opentelemetry attribute key/value pairs.
func (e *Encoder) Encode(d *dhcpv4.DHCPv4, namespace string, encoders ...EncodeFn) []attribute.KeyValue {
	for _, fn := range encoders {
		if err := fn(e, d, namespace); err != nil {
			e.Log.V(1).Info("opentelemetry attribute not added", "error", err)
		}
	}

	return e.Attributes
}

// EncodeOpt17 takes DHCP Opt 17 (root path) from a DHCP packet and adds an
// OTEL key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeOpt17(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt17.RootPath", keyNamespace, namespace)
	if d != nil {
		if rp := d.Options.Get(dhcpv4.OptionRootPath); len(rp) > 0 {
			e.Attributes = append(e.Attributes, attribute.String(key, string(rp)))
			return nil
		}
	}

	return &optNotFoundError{optName: key}
}

// EncodeOpt43 takes DHCP Opt 43 from a DHCP packet and adds the BSDP
// message type and raw length to the Encoder.Attributes.
func (e *Encoder) EncodeOpt43(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt43.MessageType", keyNamespace, namespace)
	if d != nil {
		if blob := d.Options.Get(dhcpv4.OptionVendorSpecificInformation); len(blob) > 0 {
			e.Attributes = append(e.Attributes,
				attribute.String(key, bsdp.MessageTypeOf(blob).String()),
				attribute.Int(fmt.Sprintf("%v.%v.Opt43.Length", keyNamespace, namespace), len(blob)),
			)
			return nil
		}
	}

	return &optNotFoundError{optName: key}
}

// EncodeOpt53 takes DHCP Opt 53 from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeOpt53(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt53.MessageType", keyNamespace, namespace)
	if d != nil && d.MessageType() != dhcpv4.MessageTypeNone {
		e.Attributes = append(e.Attributes, attribute.String(key, d.MessageType().String()))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeOpt54 takes DHCP Opt 54 from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeOpt54(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt54.ServerIdentifier", keyNamespace, namespace)
	if d != nil && d.ServerIdentifier() != nil {
		e.Attributes = append(e.Attributes, attribute.String(key, d.ServerIdentifier().String()))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeOpt60 takes DHCP Opt 60 from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeOpt60(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Opt60.ClassIdentifier", keyNamespace, namespace)
	if d != nil && d.ClassIdentifier() != "" {
		e.Attributes = append(e.Attributes, attribute.String(key, d.ClassIdentifier()))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeCHADDR takes the CHADDR header from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeCHADDR(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.chaddr", keyNamespace, namespace)
	if d != nil && d.ClientHWAddr != nil {
		e.Attributes = append(e.Attributes, attribute.String(key, d.ClientHWAddr.String()))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeCIADDR takes the ciaddr header from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeCIADDR(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.ciaddr", keyNamespace, namespace)
	if d != nil && d.ClientIPAddr != nil && !d.ClientIPAddr.Equal(net.IPv4zero) {
		e.Attributes = append(e.Attributes, attribute.String(key, d.ClientIPAddr.String()))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeSIADDR takes the siaddr header from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeSIADDR(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.siaddr", keyNamespace, namespace)
	if d != nil && d.ServerIPAddr != nil && !d.ServerIPAddr.Equal(net.IPv4zero) {
		e.Attributes = append(e.Attributes, attribute.String(key, d.ServerIPAddr.String()))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeSNAME takes the sname header from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeSNAME(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.sname", keyNamespace, namespace)
	if d != nil && d.ServerHostName != "" {
		e.Attributes = append(e.Attributes, attribute.String(key, d.ServerHostName))
		return nil
	}

	return &optNotFoundError{optName: key}
}

// EncodeFILE takes the file header from a DHCP packet and adds an OTEL
// key/value pair to the Encoder.Attributes.
func (e *Encoder) EncodeFILE(d *dhcpv4.DHCPv4, namespace string) error {
	key := fmt.Sprintf("%v.%v.Header.file", keyNamespace, namespace)
	if d != nil && d.BootFileName != "" {
		e.Attributes = append(e.Attributes, attribute.String(key, d.BootFileName))
		return nil
	}

	return &optNotFoundError{optName: key}
}
