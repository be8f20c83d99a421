/* vusb - USB-over-network bridge
 *
 * Control-socket status report: one line per session, one indented
 * block per device it owns
 */

package server

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vusb-project/vusb/internal/devinfo"
)

// FormatStatus implements ctrlsock.Report, rendering every live session
// and the devices it owns as a printable text report.
func (s *Server) FormatStatus() []byte {
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "vusbd: running, %d device slot(s)\n", s.cfg.MaxDevices)

	s.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })

	buf.WriteString("sessions:")
	if len(sessions) == 0 {
		buf.WriteString(" none\n")
		return buf.Bytes()
	}
	buf.WriteString("\n")

	for _, sess := range sessions {
		fmt.Fprintf(buf, " session %d: %q from %s\n", sess.id, sess.clientName, sess.conn.RemoteAddr())

		entries := s.registry.BySession(sess)
		sort.Slice(entries, func(i, j int) bool { return entries[i].LocalID < entries[j].LocalID })

		if len(entries) == 0 {
			buf.WriteString("   devices: none\n")
			continue
		}

		for _, e := range entries {
			ds := s.statsFor(e.LocalID).snapshot()
			fmt.Fprintf(buf, "   device %d: %4.4x:%4.4x %q pending=%d\n",
				e.LocalID, e.Info.VID, e.Info.PID, devinfo.MakeAndModel(e.Info), s.pending.CountDevice(e.LocalID))
			fmt.Fprintf(buf, "      ident: %s\n", devinfo.Ident(e.Info))
			fmt.Fprintf(buf, "      urbs: submitted=%d completed=%d cancelled=%d bytes-out=%d bytes-in=%d\n",
				ds.Submitted, ds.Completed, ds.Cancelled, ds.BytesOut, ds.BytesIn)
		}
	}

	return buf.Bytes()
}
