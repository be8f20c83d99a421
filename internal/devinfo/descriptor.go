/* vusb - USB-over-network bridge
 *
 * Configuration descriptor tree validation, for DEVICE_ATTACH
 */

// Package devinfo validates the raw configuration-descriptor byte
// stream carried in DEVICE_ATTACH and derives stable identifiers from a
// device's DeviceInfo, in the same spirit ipp-usb derives a persistent
// state identifier from a device's descriptor fields.
package devinfo

import (
	"fmt"
	"strings"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// Descriptor type codes relevant to tree validation (USB 2.0 §9.5)
const (
	descTypeDevice    = 1
	descTypeConfig    = 2
	descTypeString    = 3
	descTypeInterface = 4
	descTypeEndpoint  = 5
)

// configHeader mirrors the leading bytes of a USB configuration
// descriptor: bLength, bDescriptorType, wTotalLength (LE)
type configHeader struct {
	length      uint8
	descType    uint8
	totalLength uint16
}

// deviceDescLength is the fixed size of a standard USB device descriptor
// (USB 2.0 §9.6.1): bLength is always 18 for this descriptor type.
const deviceDescLength = 18

// Validate walks the raw descriptor byte stream attached to a
// DEVICE_ATTACH message. The stream is an optional leading device
// descriptor (type 1, fixed 18 bytes; an attach may carry only this, with
// no configuration descriptor following) followed by a configuration
// descriptor tree. Wherever a configuration descriptor
// is present, its declared wTotalLength must match the remaining buffer
// exactly, every sub-descriptor's bLength must be non-zero, and none may
// overrun the buffer.
//
// This is the tree-walk rule the attach contract defers to a conforming
// implementation: lengths summing to wTotalLength, not a full per-class
// descriptor validator.
func Validate(raw []byte) error {
	if len(raw) < 2 {
		return urb.New(urb.KindInvalidDescriptor)
	}

	off := 0
	if raw[1] == descTypeDevice {
		if raw[0] != deviceDescLength || len(raw) < deviceDescLength {
			return urb.New(urb.KindInvalidDescriptor)
		}
		off = deviceDescLength
	}

	if off == len(raw) {
		return nil
	}

	rest := raw[off:]
	hdr, err := parseConfigHeader(rest)
	if err != nil {
		return err
	}

	if int(hdr.totalLength) != len(rest) {
		return urb.New(urb.KindInvalidDescriptor)
	}

	for off < len(raw) {
		bLength := int(raw[off])
		if bLength == 0 || off+bLength > len(raw) {
			return urb.New(urb.KindInvalidDescriptor)
		}

		bDescType := raw[off+1]
		switch bDescType {
		case descTypeConfig, descTypeInterface, descTypeEndpoint, descTypeString:
		default:
			// Class/vendor-specific descriptors are opaque but still
			// bound by the bLength invariant already checked above.
		}

		off += bLength
	}

	return nil
}

func parseConfigHeader(raw []byte) (configHeader, error) {
	if len(raw) < 4 {
		return configHeader{}, urb.New(urb.KindInvalidDescriptor)
	}

	h := configHeader{
		length:      raw[0],
		descType:    raw[1],
		totalLength: uint16(raw[2]) | uint16(raw[3])<<8,
	}

	if h.descType != descTypeConfig || int(h.length) > len(raw) {
		return configHeader{}, urb.New(urb.KindInvalidDescriptor)
	}

	return h, nil
}

// Ident derives a stable, filesystem-safe identifier for a device from
// its wire DeviceInfo, used in log lines and in the status report.
func Ident(info proto.DeviceInfo) string {
	id := fmt.Sprintf("%4.4x-%4.4x", info.VID, info.PID)

	if info.Serial != "" {
		id += "-" + info.Serial
	}

	if model := MakeAndModel(info); model != "" {
		id += "-" + model
	}

	return strings.Map(func(c rune) rune {
		switch {
		case '0' <= c && c <= '9':
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case c == '-' || c == '_':
		default:
			c = '-'
		}
		return c
	}, id)
}

// MakeAndModel returns a device's manufacturer and product strings
// joined into one human-readable name
func MakeAndModel(info proto.DeviceInfo) string {
	mfg := strings.TrimSpace(info.Manufacturer)
	prod := strings.TrimSpace(info.Product)

	makeModel := prod
	if mfg != "" && !strings.HasPrefix(prod, mfg) {
		makeModel = mfg + " " + prod
	}

	return makeModel
}
