/* vusb - USB-over-network bridge
 *
 * Per-device URB statistics, surfaced over the control socket
 */

package server

import (
	"sync/atomic"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// DeviceStats counts URB traffic for one attached device. Fields are
// updated with atomic ops since the router and the per-session receive
// task touch the same device from different goroutines.
type DeviceStats struct {
	Submitted uint64
	Completed uint64
	Cancelled uint64
	BytesOut  uint64 // bytes sent to the device (OUT URBs)
	BytesIn   uint64 // bytes received from the device (IN URBs)
}

func (ds *DeviceStats) onSubmit(bufLen uint32, dir proto.Direction) {
	atomic.AddUint64(&ds.Submitted, 1)
	if dir == proto.DirOut {
		atomic.AddUint64(&ds.BytesOut, uint64(bufLen))
	}
}

func (ds *DeviceStats) onComplete(c urb.Completion) {
	if c.Status == proto.StatusCancelled {
		atomic.AddUint64(&ds.Cancelled, 1)
	} else {
		atomic.AddUint64(&ds.Completed, 1)
	}
	if c.Status == proto.StatusSuccess && c.ActualLength > 0 && len(c.DataIn) > 0 {
		atomic.AddUint64(&ds.BytesIn, uint64(c.ActualLength))
	}
}

func (ds *DeviceStats) snapshot() DeviceStats {
	return DeviceStats{
		Submitted: atomic.LoadUint64(&ds.Submitted),
		Completed: atomic.LoadUint64(&ds.Completed),
		Cancelled: atomic.LoadUint64(&ds.Cancelled),
		BytesOut:  atomic.LoadUint64(&ds.BytesOut),
		BytesIn:   atomic.LoadUint64(&ds.BytesIn),
	}
}

// statsFor returns the DeviceStats for device, creating it on first use
func (s *Server) statsFor(device urb.LocalDeviceID) *DeviceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	ds, ok := s.stats[device]
	if !ok {
		ds = &DeviceStats{}
		s.stats[device] = ds
	}
	return ds
}

// recordCompletion updates device's stats for a URB_COMPLETE received
// from a session, before the completion is handed to the pending table.
func (s *Server) recordCompletion(device urb.LocalDeviceID, c urb.Completion) {
	s.statsFor(device).onComplete(c)
}

// forgetStats drops the stats row for a detached device so Evict/Detach
// don't leak entries across repeated attach/detach cycles.
func (s *Server) forgetStats(device urb.LocalDeviceID) {
	s.statsMu.Lock()
	delete(s.stats, device)
	s.statsMu.Unlock()
}
