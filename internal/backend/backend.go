/* vusb - USB-over-network bridge
 *
 * Client-side capture backend: the capability interface the URB
 * dispatcher executes transfers against
 */

// Package backend defines the real-device capture interface consumed
// by the client-side URB dispatcher (§4.6) — enumerate, open/close, and
// control/bulk/interrupt transfers addressed by endpoint — plus a
// gousb-backed implementation and a dependency-free fake used in tests.
// Generalized from the teacher's one-fixed-interface-pair USB transport
// (UsbOpenDevice/OpenUsbInterface/Send/Recv in usbtransport.go) to
// arbitrary endpoints, since URB-level dispatch has to address whatever
// endpoint a SUBMIT_URB names.
package backend

import (
	"context"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
)

// CapturedDevice describes one USB device visible to the client, as
// returned by Enumerate — enough to build a DEVICE_ATTACH message and
// to re-open the device later by Handle.
type CapturedDevice struct {
	Handle       string // opaque backend-assigned handle, stable for this process run
	VID, PID     uint16
	Class        uint8
	SubClass     uint8
	Protocol     uint8
	Speed        uint8
	NumConfigs   uint8
	Manufacturer string
	Product      string
	Serial       string

	// Descriptors is the raw configuration-descriptor byte stream, as
	// required by DEVICE_ATTACH and validated server-side by
	// internal/devinfo.
	Descriptors []byte
}

// Info renders a CapturedDevice as the wire DeviceInfo carried in
// DEVICE_ATTACH
func (d CapturedDevice) Info() proto.DeviceInfo {
	return proto.DeviceInfo{
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		Serial:       d.Serial,
		VID:          d.VID,
		PID:          d.PID,
		Class:        d.Class,
		SubClass:     d.SubClass,
		Protocol:     d.Protocol,
		Speed:        d.Speed,
		NumConfigs:   d.NumConfigs,
	}
}

// Backend is the capability interface the URB dispatcher consumes. All
// transfer methods are synchronous; the dispatcher is responsible for
// any concurrency around them (one dispatch goroutine per submitted
// URB is the straightforward approach, and the one this package's
// callers use).
type Backend interface {
	// Enumerate lists every device the backend can currently see
	Enumerate() ([]CapturedDevice, error)

	// Open opens handle for transfers. Idempotent: opening an
	// already-open handle is a no-op. Fails if the device is gone.
	Open(handle string) error

	// Close releases handle. Safe to call on an unopened handle.
	Close(handle string)

	// ControlTransfer executes a control transfer. buf is read for OUT
	// transfers (bit 7 of setup[0] clear) and written for IN transfers.
	ControlTransfer(ctx context.Context, handle string, setup proto.SetupPacket, buf []byte, timeout time.Duration) (actual int, status proto.StatusCode)

	// BulkTransfer executes a bulk transfer on the given USB endpoint
	// address (direction bit included)
	BulkTransfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (actual int, status proto.StatusCode)

	// InterruptTransfer executes an interrupt transfer
	InterruptTransfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (actual int, status proto.StatusCode)

	// AbortPipe cancels any in-flight transfer on endpoint for handle.
	// The aborted transfer's Control/Bulk/InterruptTransfer call
	// returns with a Cancelled-mappable error.
	AbortPipe(handle string, endpoint uint8)
}
