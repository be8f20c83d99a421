/* vusb - USB-over-network bridge
 *
 * Dependency-free fake backend, used by unit tests and by anything
 * exercising the dispatcher without real hardware attached
 */

package backend

import (
	"context"
	"sync"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
)

// FakeEndpoint is a scripted response for one endpoint of a fake device:
// every ControlTransfer/BulkTransfer/InterruptTransfer against it returns
// Status and copies Data into the caller's buffer (truncated to its
// length, not padded). The reported length is the number of bytes
// copied, or len(buf) when Data is nil.
type FakeEndpoint struct {
	Data   []byte
	Status proto.StatusCode
}

// FakeDevice is one device presented by a Fake backend
type FakeDevice struct {
	CapturedDevice
	Endpoints map[uint8]*FakeEndpoint // by endpoint address, direction bit included
	Control   *FakeEndpoint           // response for every control transfer
}

// Fake is an in-memory Backend with no cgo and no real USB stack
// underneath it, in the same spirit as the teacher's willingness to
// keep a pure-Go code path alongside its cgo one (libusb.go vs.
// usbio_libusb.go) — here the "pure-Go path" is a scriptable stand-in
// used by internal/server and internal/client tests.
type Fake struct {
	mu      sync.Mutex
	devices map[string]*FakeDevice
	opened  map[string]bool

	// Aborted records AbortPipe calls as (handle, endpoint) pairs, for
	// tests to assert cancellation was requested.
	Aborted []struct {
		Handle   string
		Endpoint uint8
	}
}

// NewFake creates an empty Fake backend
func NewFake() *Fake {
	return &Fake{
		devices: make(map[string]*FakeDevice),
		opened:  make(map[string]bool),
	}
}

// AddDevice registers a device the next Enumerate will report
func (f *Fake) AddDevice(d *FakeDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.Handle] = d
}

// RemoveDevice drops a device, simulating unplug
func (f *Fake) RemoveDevice(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, handle)
	delete(f.opened, handle)
}

func (f *Fake) Enumerate() ([]CapturedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]CapturedDevice, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d.CapturedDevice)
	}
	return out, nil
}

func (f *Fake) Open(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.devices[handle]; !ok {
		return errNoDevice
	}
	f.opened[handle] = true
	return nil
}

func (f *Fake) Close(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.opened, handle)
}

func (f *Fake) endpoint(handle string, ep *FakeEndpoint) (*FakeEndpoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened[handle] {
		return nil, false
	}
	if ep == nil {
		return nil, false
	}
	return ep, true
}

func (f *Fake) ControlTransfer(ctx context.Context, handle string, setup proto.SetupPacket, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	f.mu.Lock()
	d, ok := f.devices[handle]
	f.mu.Unlock()
	if !ok {
		return 0, proto.StatusNoDevice
	}

	scripted, ok := f.endpoint(handle, d.Control)
	if !ok {
		return 0, proto.StatusNoDevice
	}
	return deliver(scripted, buf), scripted.Status
}

func (f *Fake) BulkTransfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	return f.transferAt(handle, endpoint, buf)
}

func (f *Fake) InterruptTransfer(ctx context.Context, handle string, endpoint uint8, buf []byte, timeout time.Duration) (int, proto.StatusCode) {
	return f.transferAt(handle, endpoint, buf)
}

func (f *Fake) transferAt(handle string, endpoint uint8, buf []byte) (int, proto.StatusCode) {
	f.mu.Lock()
	d, ok := f.devices[handle]
	f.mu.Unlock()
	if !ok {
		return 0, proto.StatusNoDevice
	}

	scripted, ok := f.endpoint(handle, d.Endpoints[endpoint])
	if !ok {
		return 0, proto.StatusInvalidParam
	}
	return deliver(scripted, buf), scripted.Status
}

// deliver copies a scripted IN response into buf (truncating to its
// length) and reports the OUT direction's actual length as len(buf)
func deliver(ep *FakeEndpoint, buf []byte) int {
	if ep.Data == nil {
		return len(buf)
	}
	n := copy(buf, ep.Data)
	return n
}

func (f *Fake) AbortPipe(handle string, endpoint uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aborted = append(f.Aborted, struct {
		Handle   string
		Endpoint uint8
	}{handle, endpoint})
}

var errNoDevice = &fakeError{"backend: no such device"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }
