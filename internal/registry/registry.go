/* vusb - USB-over-network bridge
 *
 * Server-side device registry: authoritative local-id <-> session
 * mapping
 */

// Package registry implements the server-side device registry: a fixed
// set of slots mapping a LocalDeviceID to its owning session, the
// RemoteDeviceID the owning session assigned it, and the device's wire
// descriptor.
package registry

import (
	"sync"

	"github.com/vusb-project/vusb/internal/devinfo"
	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// State is the informational lifecycle state of a registered device
type State int

const (
	StateAttached State = iota
	StateConfigured
	StateSuspended
	StateDetaching
)

// Entry is one occupied registry slot
type Entry struct {
	LocalID        urb.LocalDeviceID
	Session        interface{} // opaque session handle, owner-defined
	RemoteID       urb.RemoteDeviceID
	Info           proto.DeviceInfo
	Descriptors    []byte
	State          State
}

// Registry holds up to MaxDevices slots, the lowest-free-slot
// allocator described by the device registry contract. Mutations are
// serialised by a single exclusive lock, held only for O(1) slot
// operations — never across a channel send or socket I/O.
type Registry struct {
	lock  sync.Mutex
	slots []*Entry // nil == vacant
}

// New creates a Registry with the given fixed number of slots
func New(maxDevices int) *Registry {
	return &Registry{slots: make([]*Entry, maxDevices)}
}

// Attach inserts a new device into the lowest free slot. LocalID is
// slot index + 1. Fails with TooManyDevices if every slot is occupied,
// or with InvalidDescriptor if the descriptor byte stream is malformed.
func (r *Registry) Attach(session interface{}, remoteID urb.RemoteDeviceID, info proto.DeviceInfo, descriptors []byte) (urb.LocalDeviceID, error) {
	if err := devinfo.Validate(descriptors); err != nil {
		return 0, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for i, slot := range r.slots {
		if slot == nil {
			localID := urb.LocalDeviceID(i + 1)
			r.slots[i] = &Entry{
				LocalID:     localID,
				Session:     session,
				RemoteID:    remoteID,
				Info:        info,
				Descriptors: descriptors,
				State:       StateAttached,
			}
			return localID, nil
		}
	}

	return 0, urb.New(urb.KindTooManyDevices)
}

// Detach removes the slot for localID. Callers MUST cancel pending
// URBs for the device before calling Detach.
func (r *Registry) Detach(localID urb.LocalDeviceID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if i := r.index(localID); i >= 0 {
		r.slots[i] = nil
	}
}

// ByLocal returns a copy of the slot entry for localID, or ok=false if
// the slot is vacant
func (r *Registry) ByLocal(localID urb.LocalDeviceID) (Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if i := r.index(localID); i >= 0 {
		return *r.slots[i], true
	}
	return Entry{}, false
}

// BySession returns copies of every entry owned by session
func (r *Registry) BySession(session interface{}) []Entry {
	r.lock.Lock()
	defer r.lock.Unlock()

	var out []Entry
	for _, slot := range r.slots {
		if slot != nil && slot.Session == session {
			out = append(out, *slot)
		}
	}
	return out
}

// Snapshot returns copies of every occupied slot, in slot order — used
// by DEVICE_LIST
func (r *Registry) Snapshot() []Entry {
	r.lock.Lock()
	defer r.lock.Unlock()

	var out []Entry
	for _, slot := range r.slots {
		if slot != nil {
			out = append(out, *slot)
		}
	}
	return out
}

// SetState updates the informational lifecycle state of localID's slot
func (r *Registry) SetState(localID urb.LocalDeviceID, state State) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if i := r.index(localID); i >= 0 {
		r.slots[i].State = state
	}
}

// Len returns the number of occupied slots
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	n := 0
	for _, slot := range r.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

// index must be called with r.lock held
func (r *Registry) index(localID urb.LocalDeviceID) int {
	i := int(localID) - 1
	if i < 0 || i >= len(r.slots) || r.slots[i] == nil {
		return -1
	}
	return i
}
