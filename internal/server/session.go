/* vusb - USB-over-network bridge
 *
 * Per-connection session: frame dispatch, device ownership bookkeeping
 * and teardown
 */

package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vusb-project/vusb/internal/devinfo"
	"github.com/vusb-project/vusb/internal/policy"
	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/sessionio"
	"github.com/vusb-project/vusb/internal/urb"
	"github.com/vusb-project/vusb/internal/vlog"
)

// Session is one client connection's state on the server side. It
// implements sessionio.Dispatcher.
type Session struct {
	id         uint32
	clientName string
	conn       net.Conn
	lane       *sessionio.SendLane
	hb         *sessionio.Heartbeat
	server     *Server
	log        *vlog.LogMessage

	devicesMu sync.Mutex
	devices   map[urb.LocalDeviceID]urb.RemoteDeviceID // owned devices, local -> remote id

	remoteCounter uint32 // assigns this session's own remote ids at attach time
	outSeq        uint32 // outbound sequence counter for server-initiated frames
}

func (sess *Session) nextSeq() uint32 {
	return atomic.AddUint32(&sess.outSeq, 1)
}

// errSessionClosed signals Dispatch wants the receive loop to stop,
// without it being a transport-level error
type sessionClosedError struct{}

func (*sessionClosedError) Error() string { return "session closed by peer" }

var errSessionClosed = &sessionClosedError{}

// Dispatch handles one frame received from the client, per the
// receive-task dispatch table: PING gets PONG, device lifecycle
// commands touch the registry, URB_COMPLETE feeds the pending table,
// and anything a client should never send gets an ERROR reply.
func (sess *Session) Dispatch(f proto.Frame) error {
	sess.hb.Touch()

	switch f.Header.Command {
	case proto.CmdPing:
		return sess.lane.Enqueue(context.Background(), proto.CmdPong, f.Header.Sequence, nil)

	case proto.CmdDeviceAttach:
		return sess.onDeviceAttach(f)

	case proto.CmdDeviceDetach:
		return sess.onDeviceDetach(f)

	case proto.CmdDeviceList:
		return sess.onDeviceList(f)

	case proto.CmdUrbComplete:
		return sess.onUrbComplete(f)

	case proto.CmdError:
		msg, _ := proto.DecodeErrorMsg(f.Payload)
		sess.log.Error('!', "server: session %d: peer reported error %d: %s", sess.id, msg.Code, msg.Message)
		return errSessionClosed

	case proto.CmdDisconnect:
		return errSessionClosed

	default:
		sess.sendError(f, urb.KindProtocolError, "unsupported command")
		return errSessionClosed
	}
}

func (sess *Session) sendError(f proto.Frame, kind urb.Kind, msg string) {
	payload := proto.ErrorMsg{
		Code:         uint32(kind),
		OrigCommand:  f.Header.Command,
		OrigSequence: f.Header.Sequence,
		Message:      msg,
	}.Encode()
	sess.lane.Enqueue(context.Background(), proto.CmdError, f.Header.Sequence, payload)
}

func (sess *Session) onDeviceAttach(f proto.Frame) error {
	req, err := proto.DecodeDeviceAttachReq(f.Payload)
	if err != nil {
		sess.sendError(f, urb.KindTruncated, err.Error())
		return errSessionClosed
	}

	vidPid := policy.VidPid(req.Info.VID, req.Info.PID)
	if err := sess.server.policy.Admit(vidPid, sess.clientName); err != nil {
		resp := proto.DeviceAttachResp{Status: proto.StatusNotSupported}
		return sess.lane.Enqueue(context.Background(), proto.CmdDeviceAttach, f.Header.Sequence, resp.Encode())
	}

	remoteID := urb.RemoteDeviceID(atomic.AddUint32(&sess.remoteCounter, 1))

	localID, err := sess.server.registry.Attach(sess, remoteID, req.Info, req.Descriptors)
	if err != nil {
		status := proto.StatusError
		if uerr, ok := err.(*urb.Error); ok {
			status = urb.StatusFor(uerr.Kind)
		}
		resp := proto.DeviceAttachResp{Status: status}
		return sess.lane.Enqueue(context.Background(), proto.CmdDeviceAttach, f.Header.Sequence, resp.Encode())
	}

	sess.devicesMu.Lock()
	sess.devices[localID] = remoteID
	sess.devicesMu.Unlock()

	sess.log.Info('+', "server: session %d: attached device %d (%s)", sess.id, localID, devinfo.Ident(req.Info))

	resp := proto.DeviceAttachResp{Status: proto.StatusSuccess, LocalDeviceID: uint32(localID)}
	return sess.lane.Enqueue(context.Background(), proto.CmdDeviceAttach, f.Header.Sequence, resp.Encode())
}

func (sess *Session) onDeviceDetach(f proto.Frame) error {
	req, err := proto.DecodeDeviceDetachReq(f.Payload)
	if err != nil {
		sess.sendError(f, urb.KindTruncated, err.Error())
		return errSessionClosed
	}

	localID := urb.LocalDeviceID(req.LocalDeviceID)

	sess.devicesMu.Lock()
	_, owned := sess.devices[localID]
	delete(sess.devices, localID)
	sess.devicesMu.Unlock()

	if !owned {
		sess.sendError(f, urb.KindNoDevice, "device not owned by this session")
		return nil
	}

	sess.server.pending.PurgeDevice(localID, proto.StatusCancelled)
	sess.server.registry.Detach(localID)
	sess.server.forgetStats(localID)
	sess.log.Info('-', "server: session %d: detached device %d", sess.id, localID)

	return sess.lane.Enqueue(context.Background(), proto.CmdDeviceDetach, f.Header.Sequence, nil)
}

func (sess *Session) onDeviceList(f proto.Frame) error {
	entries := sess.server.registry.Snapshot()

	resp := proto.DeviceListResp{Status: proto.StatusSuccess}
	for _, e := range entries {
		resp.Devices = append(resp.Devices, e.Info)
	}

	return sess.lane.Enqueue(context.Background(), proto.CmdDeviceList, f.Header.Sequence, resp.Encode())
}

func (sess *Session) onUrbComplete(f proto.Frame) error {
	hdr, rest, err := proto.DecodeUrbCompleteHeader(f.Payload)
	if err != nil {
		sess.sendError(f, urb.KindTruncated, err.Error())
		return errSessionClosed
	}

	device := urb.LocalDeviceID(hdr.DeviceID)
	urbID := urb.UrbID(hdr.UrbID)

	completion := urb.Completion{
		Device:       device,
		UrbID:        urbID,
		Status:       hdr.Status,
		ActualLength: hdr.ActualLength,
	}

	if dir, ok := sess.server.pending.Direction(device, urbID); ok && dir == proto.DirIn && len(rest) > 0 {
		completion.DataIn = rest
	}

	sess.server.recordCompletion(device, completion)

	if ok := sess.server.pending.Complete(completion); !ok {
		sess.log.Debug(' ', "server: session %d: spurious completion for device %d urb %d", sess.id, device, urbID)
	}

	return nil
}

// teardown purges every device this session owned, matching the
// peer-close contract: PurgeDevice before Detach for every owned
// device, so no URB is left dangling in the pending table.
func (sess *Session) teardown() {
	sess.devicesMu.Lock()
	owned := make([]urb.LocalDeviceID, 0, len(sess.devices))
	for d := range sess.devices {
		owned = append(owned, d)
	}
	sess.devices = make(map[urb.LocalDeviceID]urb.RemoteDeviceID)
	sess.devicesMu.Unlock()

	for _, d := range owned {
		sess.server.pending.PurgeDevice(d, proto.StatusNoDevice)
		sess.server.registry.Detach(d)
		sess.server.forgetStats(d)
	}

	sess.lane.Close()
	sess.conn.Close()
	sess.log.Info('-', "server: session %d: closed", sess.id)
}

// forgetDevice removes device from this session's ownership set
// without purging/detaching — used by Server.EvictDevice, which has
// already done the purge/detach itself.
func (sess *Session) forgetDevice(device urb.LocalDeviceID) {
	sess.devicesMu.Lock()
	delete(sess.devices, device)
	sess.devicesMu.Unlock()
}
