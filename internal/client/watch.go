/* vusb - USB-over-network bridge
 *
 * Device watch loop: polls the capture backend for attached/removed
 * devices and attaches/detaches them on the session accordingly
 */

package client

import (
	"context"
	"sort"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
)

// Watch runs the device watch loop until ctx is cancelled: every
// cfg.WatchInterval it re-enumerates the backend and diffs the result
// against what's currently attached, the same poll-and-diff shape the
// teacher's hotplug detection falls back to on platforms without a
// libusb hotplug callback, generalized here to attach/detach over the
// wire instead of constructing local Device objects.
func (sess *Session) Watch(ctx context.Context) {
	ticker := time.NewTicker(sess.cfg.WatchInterval)
	defer ticker.Stop()

	sess.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.pollOnce(ctx)
		}
	}
}

func (sess *Session) pollOnce(ctx context.Context) {
	devices, err := sess.backend.Enumerate()
	if err != nil {
		sess.log.Error('!', "client: enumerate failed: %s", err)
		return
	}

	seen := make(map[string]proto.DeviceAttachReq, len(devices))
	handles := make([]string, 0, len(devices))
	for _, d := range devices {
		seen[d.Handle] = proto.DeviceAttachReq{Info: d.Info(), Descriptors: d.Descriptors}
		handles = append(handles, d.Handle)
	}
	sort.Strings(handles)

	sess.devicesMu.Lock()
	current := make([]string, 0, len(sess.handleToLocal))
	for h := range sess.handleToLocal {
		current = append(current, h)
	}
	sess.devicesMu.Unlock()
	sort.Strings(current)

	added, removed := diffHandles(current, handles)

	for _, h := range removed {
		sess.detachHandle(ctx, h)
	}
	for _, h := range added {
		sess.attachHandle(ctx, h, seen[h])
	}
}

// diffHandles computes which handles in "next" are new relative to
// "have" and which handles in "have" are gone from "next". Both inputs
// must be sorted; the teacher's UsbAddrList.Diff does the analogous
// computation over USB bus addresses rather than opaque handle strings.
func diffHandles(have, next []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(have) && j < len(next) {
		switch {
		case have[i] == next[j]:
			i++
			j++
		case have[i] < next[j]:
			removed = append(removed, have[i])
			i++
		default:
			added = append(added, next[j])
			j++
		}
	}
	removed = append(removed, have[i:]...)
	added = append(added, next[j:]...)
	return
}

func (sess *Session) attachHandle(ctx context.Context, handle string, req proto.DeviceAttachReq) {
	if err := sess.backend.Open(handle); err != nil {
		sess.log.Debug(' ', "client: open %s failed: %s", handle, err)
		return
	}

	f, err := sess.roundTrip(ctx, proto.CmdDeviceAttach, req.Encode())
	if err != nil {
		sess.log.Error('!', "client: DEVICE_ATTACH for %s failed: %s", handle, err)
		sess.backend.Close(handle)
		return
	}

	resp, err := proto.DecodeDeviceAttachResp(f.Payload)
	if err != nil || resp.Status != proto.StatusSuccess {
		sess.log.Error('!', "client: DEVICE_ATTACH for %s rejected: %v %s", handle, resp.Status, err)
		sess.backend.Close(handle)
		return
	}

	sess.devicesMu.Lock()
	sess.handleToLocal[handle] = resp.LocalDeviceID
	sess.localToHandle[resp.LocalDeviceID] = handle
	sess.devicesMu.Unlock()

	sess.log.Info('+', "client: attached %s as device %d (%4.4x:%4.4x)",
		handle, resp.LocalDeviceID, req.Info.VID, req.Info.PID)
}

func (sess *Session) detachHandle(ctx context.Context, handle string) {
	sess.devicesMu.Lock()
	localID, ok := sess.handleToLocal[handle]
	if ok {
		delete(sess.handleToLocal, handle)
		delete(sess.localToHandle, localID)
	}
	sess.devicesMu.Unlock()

	if !ok {
		return
	}

	req := proto.DeviceDetachReq{LocalDeviceID: localID}
	if _, err := sess.roundTrip(ctx, proto.CmdDeviceDetach, req.Encode()); err != nil {
		sess.log.Debug(' ', "client: DEVICE_DETACH for device %d: %s", localID, err)
	}

	sess.backend.Close(handle)
	sess.log.Info('-', "client: detached %s (was device %d)", handle, localID)
}
