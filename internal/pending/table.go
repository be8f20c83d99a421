/* vusb - USB-over-network bridge
 *
 * Pending-URB table: tracks in-flight URBs by (device, urb_id), matching
 * submissions with completions
 */

// Package pending implements the per-side pending-URB table: insertion,
// at-most-once completion, cancellation, session-teardown purge and
// deadline-based timeout sweep. Modeled on the pending-transfer map and
// worker-pool discipline of a generic USB transfer manager, generalized
// from a local-transfer-only table to one addressed across the wire.
package pending

import (
	"sync"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// DefaultDeadline is the default completion deadline for control, bulk
// and interrupt transfers. Isochronous transfers are out of scope.
const DefaultDeadline = 5 * time.Second

// key identifies one in-flight URB
type key struct {
	Device urb.LocalDeviceID
	UrbID  urb.UrbID
}

// entry is one pending-URB table row
type entry struct {
	submitTime time.Time
	deadline   time.Time
	direction  proto.Direction
	bufLen     uint32
	session    interface{}
	onComplete func(urb.Completion)
}

// Table is the pending-URB table described by the component design: one
// global lock held only across single-entry map operations, never
// across a channel send or socket I/O.
type Table struct {
	lock    sync.Mutex
	entries map[key]*entry
}

// New creates an empty Table
func New() *Table {
	return &Table{entries: make(map[key]*entry)}
}

// Insert adds a new pending entry for (device, urbID). Returns
// DuplicateUrb if the key is already present — fatal for the owning
// session, per the uniqueness contract.
func (t *Table) Insert(device urb.LocalDeviceID, urbID urb.UrbID, session interface{},
	direction proto.Direction, bufLen uint32, deadline time.Duration,
	onComplete func(urb.Completion)) error {

	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	k := key{device, urbID}
	if _, exists := t.entries[k]; exists {
		return urb.New(urb.KindDuplicateUrb)
	}

	now := time.Now()
	t.entries[k] = &entry{
		submitTime: now,
		deadline:   now.Add(deadline),
		direction:  direction,
		bufLen:     bufLen,
		session:    session,
		onComplete: onComplete,
	}

	return nil
}

// Complete removes the entry for (device, urbID) and invokes its
// callback, fulfilling at-most-once completion. A completion for an
// absent key (already completed, cancelled or purged) is silently
// dropped — the SpuriousCompletion case is non-fatal and reported only
// via the returned bool for observability/logging.
func (t *Table) Complete(c urb.Completion) (ok bool) {
	k := key{c.Device, c.UrbID}

	t.lock.Lock()
	e, exists := t.entries[k]
	if exists {
		delete(t.entries, k)
	}
	t.lock.Unlock()

	if !exists {
		return false
	}

	e.onComplete(c)
	return true
}

// Cancel removes the entry for (device, urbID), if present, and
// completes it with Cancelled. Already-completed URBs are a no-op, and
// calling Cancel twice for the same key has the same effect as once.
func (t *Table) Cancel(device urb.LocalDeviceID, urbID urb.UrbID) {
	k := key{device, urbID}

	t.lock.Lock()
	e, exists := t.entries[k]
	if exists {
		delete(t.entries, k)
	}
	t.lock.Unlock()

	if exists {
		e.onComplete(urb.Completion{Device: device, UrbID: urbID, Status: proto.StatusCancelled})
	}
}

// Purge removes every entry owned by session and completes each with
// NoDevice — used on session teardown.
func (t *Table) Purge(session interface{}) {
	t.lock.Lock()
	var removed []*entry
	var keys []key
	for k, e := range t.entries {
		if e.session == session {
			removed = append(removed, e)
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		delete(t.entries, k)
	}
	t.lock.Unlock()

	for i, e := range removed {
		e.onComplete(urb.Completion{Device: keys[i].Device, UrbID: keys[i].UrbID, Status: proto.StatusNoDevice})
	}
}

// PurgeDevice removes every entry for device and completes each with
// status — used by DEVICE_DETACH and server-initiated eviction, which
// must cancel every pending URB before the registry slot is freed.
func (t *Table) PurgeDevice(device urb.LocalDeviceID, status proto.StatusCode) {
	t.lock.Lock()
	var removed []key
	for k := range t.entries {
		if k.Device == device {
			removed = append(removed, k)
		}
	}
	entries := make([]*entry, len(removed))
	for i, k := range removed {
		entries[i] = t.entries[k]
		delete(t.entries, k)
	}
	t.lock.Unlock()

	for i, e := range entries {
		e.onComplete(urb.Completion{Device: removed[i].Device, UrbID: removed[i].UrbID, Status: status})
	}
}

// SweepTimeouts completes every entry whose deadline has passed with
// Timeout. Intended to be called periodically by a background ticker.
func (t *Table) SweepTimeouts(now time.Time) {
	t.lock.Lock()
	var expired []key
	for k, e := range t.entries {
		if now.After(e.deadline) {
			expired = append(expired, k)
		}
	}
	entries := make([]*entry, len(expired))
	for i, k := range expired {
		entries[i] = t.entries[k]
		delete(t.entries, k)
	}
	t.lock.Unlock()

	for i, e := range entries {
		e.onComplete(urb.Completion{Device: expired[i].Device, UrbID: expired[i].UrbID, Status: proto.StatusTimeout})
	}
}

// Direction reports the direction recorded for an in-flight URB, used
// by the receive path to know whether an URB_COMPLETE frame should
// carry trailing data_in.
func (t *Table) Direction(device urb.LocalDeviceID, urbID urb.UrbID) (proto.Direction, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	e, ok := t.entries[key{device, urbID}]
	if !ok {
		return 0, false
	}
	return e.direction, true
}

// Len returns the number of in-flight entries, for status reporting
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}

// CountDevice returns the number of in-flight entries for device, for
// per-device status reporting
func (t *Table) CountDevice(device urb.LocalDeviceID) int {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := 0
	for k := range t.entries {
		if k.Device == device {
			n++
		}
	}
	return n
}

// Sweeper runs SweepTimeouts on a ticker until stop is closed. Grounded
// in the always-running background-goroutine pattern every long-lived
// session-like object in this codebase follows.
func (t *Table) Sweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.SweepTimeouts(now)
		case <-stop:
			return
		}
	}
}
