/* vusb - USB-over-network bridge
 *
 * Client-side frame dispatch: executes SUBMIT_URB against the capture
 * backend and answers CANCEL_URB by aborting the matching transfer
 */

package client

import (
	"context"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
)

// Dispatch implements sessionio.Dispatcher. Request/response commands
// (CONNECT, DEVICE_ATTACH, DEVICE_DETACH, DEVICE_LIST) are routed to
// whichever roundTrip call is waiting on that sequence number;
// server-initiated SUBMIT_URB/CANCEL_URB/PING are acted on directly.
func (sess *Session) Dispatch(f proto.Frame) error {
	sess.hb.Touch()

	switch f.Header.Command {
	case proto.CmdPing:
		return sess.lane.Enqueue(context.Background(), proto.CmdPong, f.Header.Sequence, nil)

	case proto.CmdPong:
		return nil

	case proto.CmdSubmitUrb:
		go sess.executeSubmit(f)
		return nil

	case proto.CmdCancelUrb:
		return sess.onCancelUrb(f)

	case proto.CmdConnect, proto.CmdDeviceAttach, proto.CmdDeviceDetach, proto.CmdDeviceList:
		if sess.deliverReply(f) {
			return nil
		}
		sess.log.Debug(' ', "client: unmatched reply for seq %d", f.Header.Sequence)
		return nil

	case proto.CmdError:
		msg, _ := proto.DecodeErrorMsg(f.Payload)
		if sess.deliverReply(f) {
			return nil
		}
		sess.log.Error('!', "client: server reported error %d: %s", msg.Code, msg.Message)
		return nil

	case proto.CmdDisconnect:
		return errSessionClosed

	default:
		sess.log.Debug(' ', "client: unhandled command %s", f.Header.Command)
		return nil
	}
}

var errSessionClosed = clientSessionClosed{}

type clientSessionClosed struct{}

func (clientSessionClosed) Error() string { return "session closed by server" }

func (sess *Session) deliverReply(f proto.Frame) bool {
	sess.repliesMu.Lock()
	ch, ok := sess.replies[f.Header.Sequence]
	if ok {
		delete(sess.replies, f.Header.Sequence)
	}
	sess.repliesMu.Unlock()

	if !ok {
		return false
	}

	ch <- replyMsg{frame: f}
	return true
}

// executeSubmit runs one SUBMIT_URB to completion against the backend
// and reports the result with URB_COMPLETE. Runs on its own goroutine
// per URB so a slow transfer never blocks the receive loop or other
// in-flight URBs.
func (sess *Session) executeSubmit(f proto.Frame) {
	hdr, dataOut, err := proto.DecodeUrbSubmitHeader(f.Payload)
	if err != nil {
		sess.log.Error('!', "client: malformed SUBMIT_URB: %s", err)
		return
	}

	handle, ok := sess.handleFor(hdr.DeviceID)
	if !ok {
		sess.completeUrb(hdr.DeviceID, hdr.UrbID, proto.StatusNoDevice, nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	key := inflightKey{device: hdr.DeviceID, urbID: hdr.UrbID}
	sess.inflightMu.Lock()
	sess.inflight[key] = cancel
	sess.inflightMu.Unlock()
	defer func() {
		sess.inflightMu.Lock()
		delete(sess.inflight, key)
		sess.inflightMu.Unlock()
		cancel()
	}()

	timeout := time.Duration(0)
	buf, dataDir := transferBuffer(hdr, dataOut)

	var actual int
	var status proto.StatusCode
	switch hdr.Type {
	case proto.TransferControl:
		actual, status = sess.backend.ControlTransfer(ctx, handle, hdr.Setup, buf, timeout)
	case proto.TransferInterrupt:
		actual, status = sess.backend.InterruptTransfer(ctx, handle, hdr.Endpoint, buf, timeout)
	case proto.TransferIso:
		// Isochronous transfers require per-packet timing metadata the
		// backend interface doesn't carry; acknowledged limitation.
		status = proto.StatusNotSupported
	default:
		actual, status = sess.backend.BulkTransfer(ctx, handle, hdr.Endpoint, buf, timeout)
	}

	var dataIn []byte
	if dataDir == proto.DirIn && actual > 0 {
		dataIn = buf[:actual]
	}

	sess.completeUrb(hdr.DeviceID, hdr.UrbID, status, withActual(actual, status, dataIn))
}

// transferBuffer picks the right buffer for a URB's direction: the OUT
// payload already decoded from the frame, or a fresh buffer of BufLen
// bytes to receive into.
func transferBuffer(hdr proto.UrbSubmitHeader, dataOut []byte) ([]byte, proto.Direction) {
	if hdr.Direction == proto.DirOut {
		return dataOut, proto.DirOut
	}
	return make([]byte, hdr.BufLen), proto.DirIn
}

func withActual(actual int, status proto.StatusCode, dataIn []byte) []byte {
	if status != proto.StatusSuccess {
		return nil
	}
	return dataIn
}

func (sess *Session) completeUrb(device, urbID uint32, status proto.StatusCode, dataIn []byte) {
	hdr := proto.UrbCompleteHeader{
		DeviceID:     device,
		UrbID:        urbID,
		Status:       status,
		ActualLength: uint32(len(dataIn)),
	}
	payload := proto.EncodeUrbComplete(hdr, dataIn)
	sess.lane.Enqueue(context.Background(), proto.CmdUrbComplete, sess.nextSeq(), payload)
}

func (sess *Session) onCancelUrb(f proto.Frame) error {
	req, err := proto.DecodeCancelUrbReq(f.Payload)
	if err != nil {
		return nil
	}

	sess.inflightMu.Lock()
	cancel, ok := sess.inflight[inflightKey{device: req.Device, urbID: req.UrbID}]
	sess.inflightMu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

func (sess *Session) handleFor(localID uint32) (string, bool) {
	sess.devicesMu.Lock()
	defer sess.devicesMu.Unlock()
	h, ok := sess.localToHandle[localID]
	return h, ok
}
