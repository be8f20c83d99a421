/* vusb - USB-over-network bridge
 *
 * URB router: bridges the local host-controller queue and the owning
 * session's wire connection
 */

package server

import (
	"context"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// runRouter pulls URB requests off the host-controller queue and
// forwards each as SUBMIT_URB to the session that owns the target
// device, inserting it into the pending table first so the eventual
// URB_COMPLETE (or a timeout/cancel) can find its way back to the
// queue's completer. Runs until ctx is cancelled or the queue closes.
func (s *Server) runRouter(ctx context.Context) {
	for {
		req, err := s.queue.BlockingPull(ctx)
		if err != nil {
			return
		}

		s.routeSubmit(req)
	}
}

func (s *Server) routeSubmit(req urb.Request) {
	entry, ok := s.registry.ByLocal(req.Device)
	if !ok {
		s.queue.Complete(urb.Completion{Device: req.Device, UrbID: req.UrbID, Status: proto.StatusNoDevice})
		return
	}

	sess, ok := entry.Session.(*Session)
	if !ok {
		s.queue.Complete(urb.Completion{Device: req.Device, UrbID: req.UrbID, Status: proto.StatusNoDevice})
		return
	}

	err := s.pending.Insert(req.Device, req.UrbID, sess, req.Direction, req.BufLen, s.cfg.UrbDeadline, s.queue.Complete)
	if err != nil {
		status := proto.StatusError
		if uerr, ok := err.(*urb.Error); ok {
			status = urb.StatusFor(uerr.Kind)
		}
		s.queue.Complete(urb.Completion{Device: req.Device, UrbID: req.UrbID, Status: status})
		return
	}

	hdr := proto.UrbSubmitHeader{
		DeviceID:      uint32(req.Device),
		UrbID:         uint32(req.UrbID),
		Endpoint:      req.Endpoint,
		Type:          req.TransferType,
		Direction:     req.Direction,
		TransferFlags: req.Flags,
		BufLen:        req.BufLen,
		Interval:      req.Interval,
		Setup:         req.Setup,
	}
	payload := proto.EncodeSubmitUrb(hdr, req.DataOut)

	seq := sess.nextSeq()
	if err := sess.lane.Enqueue(context.Background(), proto.CmdSubmitUrb, seq, payload); err != nil {
		// Session's send lane is gone; the pending entry will time out
		// and complete with Timeout unless teardown purges it first.
		return
	}

	s.statsFor(req.Device).onSubmit(req.BufLen, req.Direction)
}
