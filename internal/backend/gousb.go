/* vusb - USB-over-network bridge
 *
 * gousb-backed capture backend
 */

package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// GousbBackend implements Backend on top of github.com/google/gousb, the
// same USB library the teacher uses for address bookkeeping
// (UsbAddr.Open in usbaddr.go) — generalized here from "open one
// IPP-over-USB interface pair" to "claim whatever interface the
// endpoint named in a URB belongs to".
type GousbBackend struct {
	ctx *gousb.Context

	mu    sync.Mutex
	open  map[string]*openState
}

type openState struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	ifaces map[int]*gousb.Interface // by interface number
	in   map[uint8]*gousb.InEndpoint
	out  map[uint8]*gousb.OutEndpoint

	abortMu sync.Mutex
	abort   map[uint8]context.CancelFunc
}

// NewGousb creates a GousbBackend. Callers should arrange to call
// Close on every handle (or just let process exit) since gousb.Context
// itself has no explicit shutdown hook exercised here.
func NewGousb() *GousbBackend {
	return &GousbBackend{
		ctx:  gousb.NewContext(),
		open: make(map[string]*openState),
	}
}

func handleFor(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
}

// Enumerate lists every USB device gousb can currently see
func (b *GousbBackend) Enumerate() ([]CapturedDevice, error) {
	var out []CapturedDevice

	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	for _, dev := range devs {
		cd := CapturedDevice{
			Handle:   handleFor(dev.Desc),
			VID:      uint16(dev.Desc.Vendor),
			PID:      uint16(dev.Desc.Product),
			Class:    uint8(dev.Desc.Class),
			SubClass: uint8(dev.Desc.SubClass),
			Protocol: uint8(dev.Desc.Protocol),
			Speed:    uint8(dev.Desc.Speed),
		}

		cd.Manufacturer, _ = dev.Manufacturer()
		cd.Product, _ = dev.Product()
		cd.Serial, _ = dev.SerialNumber()

		var cfgNums []int
		for num := range dev.Desc.Configs {
			cfgNums = append(cfgNums, num)
			cd.NumConfigs++
		}
		if len(cfgNums) > 0 {
			cd.Descriptors = synthesizeConfigDescriptor(dev.Desc, cfgNums[0])
		}

		out = append(out, cd)
		dev.Close()
	}

	return out, err
}

// synthesizeConfigDescriptor rebuilds a raw configuration-descriptor
// byte stream from gousb's parsed DeviceDesc, since gousb does not
// expose the raw bytes libusb already decoded. The layout matches what
// internal/devinfo.Validate expects: a config header whose wTotalLength
// equals the buffer length, followed by one descriptor per interface
// and endpoint with an accurate bLength.
func synthesizeConfigDescriptor(desc *gousb.DeviceDesc, cfgNum int) []byte {
	cfg, ok := desc.Configs[cfgNum]
	if !ok {
		return nil
	}

	const (
		configDescLen = 9
		ifaceDescLen  = 9
		epDescLen     = 7
	)

	total := configDescLen
	for _, iface := range cfg.Interfaces {
		for range iface.AltSettings {
			total += ifaceDescLen
		}
		for _, alt := range iface.AltSettings {
			total += epDescLen * len(alt.Endpoints)
		}
	}

	buf := make([]byte, total)
	buf[0] = configDescLen
	buf[1] = 2 // CONFIGURATION
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = uint8(len(cfg.Interfaces))
	buf[5] = uint8(cfgNum)

	off := configDescLen
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			buf[off] = ifaceDescLen
			buf[off+1] = 4 // INTERFACE
			buf[off+2] = uint8(iface.Number)
			buf[off+3] = uint8(alt.Number)
			buf[off+4] = uint8(len(alt.Endpoints))
			buf[off+5] = uint8(alt.Class)
			buf[off+6] = uint8(alt.SubClass)
			buf[off+7] = uint8(alt.Protocol)
			off += ifaceDescLen

			for addr, ep := range alt.Endpoints {
				buf[off] = epDescLen
				buf[off+1] = 5 // ENDPOINT
				buf[off+2] = uint8(addr)
				buf[off+3] = uint8(ep.TransferType)
				binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(ep.MaxPacketSize))
				buf[off+6] = 0
				off += epDescLen
			}
		}
	}

	return buf
}

// Open claims the device's interfaces so transfers can be issued
// against any of its endpoints. Idempotent.
func (b *GousbBackend) Open(handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.open[handle]; ok {
		return nil
	}

	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return handleFor(desc) == handle
	})
	if err != nil || len(devs) == 0 {
		return urb.New(urb.KindNoDevice)
	}
	dev := devs[0]
	dev.SetAutoDetach(true)

	var cfgNum int
	for num := range dev.Desc.Configs {
		cfgNum = num
		break
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return urb.Wrap(err)
	}

	st := &openState{
		dev:    dev,
		cfg:    cfg,
		ifaces: make(map[int]*gousb.Interface),
		in:     make(map[uint8]*gousb.InEndpoint),
		out:    make(map[uint8]*gousb.OutEndpoint),
		abort:  make(map[uint8]context.CancelFunc),
	}

	for _, iface := range cfg.Desc.Interfaces {
		claimed, err := cfg.Interface(iface.Number, 0)
		if err != nil {
			continue
		}
		st.ifaces[iface.Number] = claimed

		for addr, ep := range claimed.Setting.Endpoints {
			if ep.Direction == gousb.EndpointDirectionIn {
				if in, err := claimed.InEndpoint(int(addr.Number())); err == nil {
					st.in[uint8(addr)] = in
				}
			} else {
				if out, err := claimed.OutEndpoint(int(addr.Number())); err == nil {
					st.out[uint8(addr)] = out
				}
			}
		}
	}

	b.open[handle] = st
	return nil
}

// Close releases handle
func (b *GousbBackend) Close(handle string) {
	b.mu.Lock()
	st, ok := b.open[handle]
	if ok {
		delete(b.open, handle)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	for _, iface := range st.ifaces {
		iface.Close()
	}
	st.cfg.Close()
	st.dev.Close()
}

func (b *GousbBackend) state(handle string) (*openState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.open[handle]
	return st, ok
}

// ControlTransfer issues a control transfer via gousb's Device.Control
func (b *GousbBackend) ControlTransfer(ctx context.Context, handle string, setup proto.SetupPacket, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	st, ok := b.state(handle)
	if !ok {
		return 0, proto.StatusNoDevice
	}

	bmRequestType := setup[0]
	bRequest := setup[1]
	wValue := binary.LittleEndian.Uint16(setup[2:4])
	wIndex := binary.LittleEndian.Uint16(setup[4:6])

	n, err := st.dev.Control(bmRequestType, bRequest, wValue, wIndex, buf)
	if err != nil {
		return 0, mapTransferError(err)
	}
	return n, proto.StatusSuccess
}

// BulkTransfer issues a bulk transfer against the endpoint named by
// the URB's wire endpoint address
func (b *GousbBackend) BulkTransfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	return b.transfer(ctx, handle, endpoint, buf, timeout)
}

// InterruptTransfer issues an interrupt transfer; gousb treats bulk and
// interrupt endpoints identically at the Read/Write level once claimed
func (b *GousbBackend) InterruptTransfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	return b.transfer(ctx, handle, endpoint, buf, timeout)
}

func (b *GousbBackend) transfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	st, ok := b.state(handle)
	if !ok {
		return 0, proto.StatusNoDevice
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st.abortMu.Lock()
	st.abort[endpoint] = cancel
	st.abortMu.Unlock()
	defer func() {
		st.abortMu.Lock()
		delete(st.abort, endpoint)
		st.abortMu.Unlock()
	}()

	direction := endpoint & 0x80
	if direction != 0 {
		in, ok := st.in[endpoint]
		if !ok {
			return 0, proto.StatusInvalidParam
		}
		n, err := readWithContext(tctx, in, buf)
		if err != nil {
			return n, mapTransferError(err)
		}
		return n, proto.StatusSuccess
	}

	out, ok := st.out[endpoint]
	if !ok {
		return 0, proto.StatusInvalidParam
	}
	n, err := writeWithContext(tctx, out, buf)
	if err != nil {
		return n, mapTransferError(err)
	}
	return n, proto.StatusSuccess
}

// readWithContext runs a blocking endpoint Read on a goroutine so a
// cancelled context (AbortPipe, or the transfer timeout) can surface
// promptly instead of waiting out libusb's own timeout.
func readWithContext(ctx context.Context, in *gousb.InEndpoint, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := in.Read(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func writeWithContext(ctx context.Context, out *gousb.OutEndpoint, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := out.Write(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// AbortPipe cancels any in-flight transfer on endpoint
func (b *GousbBackend) AbortPipe(handle string, endpoint uint8) {
	st, ok := b.state(handle)
	if !ok {
		return
	}

	st.abortMu.Lock()
	cancel, ok := st.abort[endpoint]
	st.abortMu.Unlock()

	if ok {
		cancel()
	}
}

func mapTransferError(err error) proto.StatusCode {
	if err == context.DeadlineExceeded {
		return proto.StatusTimeout
	}
	if err == context.Canceled {
		return proto.StatusCancelled
	}
	return proto.StatusError
}
