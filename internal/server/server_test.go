package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vusb-project/vusb/internal/hostqueue"
	"github.com/vusb-project/vusb/internal/pending"
	"github.com/vusb-project/vusb/internal/policy"
	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/registry"
	"github.com/vusb-project/vusb/internal/urb"
	"github.com/vusb-project/vusb/internal/vlog"
)

// testDesc is a standard 18-byte device descriptor, VID/PID matching the
// attach's own DeviceInfo, with no configuration descriptor following.
var testDesc = []byte{
	0x12, 0x01, 0x00, 0x02, 0xFF, 0x00, 0x00, 0x40,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
}

// newTestServer wires a Server the way cmd/vusbd does, against a
// channel-backed host-controller queue whose callbacks feed the
// returned channels.
func newTestServer(t *testing.T) (*Server, net.Listener, chan urb.Completion, func()) {
	t.Helper()

	completions := make(chan urb.Completion, 8)

	var srv *Server
	queue := hostqueue.NewChannel(8,
		func(c urb.Completion) { completions <- c },
		func(urb.LocalDeviceID, urb.UrbID) {},
	)

	reg := registry.New(4)
	pend := pending.New()
	log := vlog.NewLogger()

	cfg := DefaultConfig
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Hour

	srv = New(cfg, reg, pend, policy.Empty, queue, log)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.Serve(ctx, listener)
	go srv.AcceptLoop(ctx, listener)

	cleanup := func() {
		cancel()
		listener.Close()
		queue.Close()
	}

	return srv, listener, completions, cleanup
}

func connectAndAttach(t *testing.T, addr string) (net.Conn, uint32) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}

	if err := proto.WriteFrame(conn, proto.CmdConnect, 1, proto.ConnectReq{ClientVersion: 1, ClientName: "test-client"}.Encode()); err != nil {
		t.Fatalf("write CONNECT: %s", err)
	}
	f, err := proto.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read CONNECT_RESP: %s", err)
	}
	resp, err := proto.DecodeConnectResp(f.Payload)
	if err != nil || resp.Status != proto.StatusSuccess {
		t.Fatalf("CONNECT_RESP = %+v, err %v", resp, err)
	}

	attachReq := proto.DeviceAttachReq{
		Info:        proto.DeviceInfo{VID: 0x1234, PID: 0x5678},
		Descriptors: testDesc,
	}
	if err := proto.WriteFrame(conn, proto.CmdDeviceAttach, 2, attachReq.Encode()); err != nil {
		t.Fatalf("write DEVICE_ATTACH: %s", err)
	}
	f, err = proto.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read DEVICE_ATTACH_RESP: %s", err)
	}
	attachResp, err := proto.DecodeDeviceAttachResp(f.Payload)
	if err != nil || attachResp.Status != proto.StatusSuccess {
		t.Fatalf("DEVICE_ATTACH_RESP = %+v, err %v", attachResp, err)
	}

	return conn, attachResp.LocalDeviceID
}

func TestHandshakeAndAttach(t *testing.T) {
	srv, listener, _, cleanup := newTestServer(t)
	defer cleanup()

	conn, localID := connectAndAttach(t, listener.Addr().String())
	defer conn.Close()

	if localID != 1 {
		t.Fatalf("localID = %d, want 1", localID)
	}

	if n := srv.registry.Len(); n != 1 {
		t.Fatalf("registry.Len() = %d, want 1", n)
	}
}

func TestSubmitRouterDeliversAndCompletes(t *testing.T) {
	srv, listener, completions, cleanup := newTestServer(t)
	defer cleanup()

	conn, localID := connectAndAttach(t, listener.Addr().String())
	defer conn.Close()

	req := urb.Request{
		Device:       urb.LocalDeviceID(localID),
		UrbID:        42,
		Endpoint:     0x81,
		TransferType: proto.TransferBulk,
		Direction:    proto.DirIn,
		BufLen:       16,
	}
	srv.queue.Submit(req)

	f, err := proto.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read SUBMIT_URB: %s", err)
	}
	if f.Header.Command != proto.CmdSubmitUrb {
		t.Fatalf("command = %s, want SUBMIT_URB", f.Header.Command)
	}

	hdr, _, err := proto.DecodeUrbSubmitHeader(f.Payload)
	if err != nil {
		t.Fatalf("decode SUBMIT_URB: %s", err)
	}
	if hdr.DeviceID != localID || hdr.UrbID != 42 || hdr.Endpoint != 0x81 {
		t.Fatalf("submit header = %+v", hdr)
	}

	data := []byte("hello-device")
	completeHdr := proto.UrbCompleteHeader{
		DeviceID:     localID,
		UrbID:        42,
		Status:       proto.StatusSuccess,
		ActualLength: uint32(len(data)),
	}
	payload := proto.EncodeUrbComplete(completeHdr, data)
	if err := proto.WriteFrame(conn, proto.CmdUrbComplete, 3, payload); err != nil {
		t.Fatalf("write URB_COMPLETE: %s", err)
	}

	select {
	case c := <-completions:
		if c.Device != urb.LocalDeviceID(localID) || c.UrbID != 42 || c.Status != proto.StatusSuccess {
			t.Fatalf("completion = %+v", c)
		}
		if string(c.DataIn) != string(data) {
			t.Fatalf("DataIn = %q, want %q", c.DataIn, data)
		}
	case <-time.After(time.Second):
		t.Fatal("completion did not arrive")
	}

	ds := srv.statsFor(urb.LocalDeviceID(localID)).snapshot()
	if ds.Submitted != 1 || ds.Completed != 1 {
		t.Fatalf("stats = %+v", ds)
	}
}

func TestDetachPurgesPending(t *testing.T) {
	srv, listener, completions, cleanup := newTestServer(t)
	defer cleanup()

	conn, localID := connectAndAttach(t, listener.Addr().String())
	defer conn.Close()

	req := urb.Request{Device: urb.LocalDeviceID(localID), UrbID: 7, Direction: proto.DirIn, BufLen: 0}
	srv.queue.Submit(req)

	if _, err := proto.ReadFrame(conn); err != nil {
		t.Fatalf("read SUBMIT_URB: %s", err)
	}

	detachReq := proto.DeviceDetachReq{LocalDeviceID: localID}
	if err := proto.WriteFrame(conn, proto.CmdDeviceDetach, 4, detachReq.Encode()); err != nil {
		t.Fatalf("write DEVICE_DETACH: %s", err)
	}

	if _, err := proto.ReadFrame(conn); err != nil {
		t.Fatalf("read DEVICE_DETACH ack: %s", err)
	}

	select {
	case c := <-completions:
		if c.Status != proto.StatusCancelled {
			t.Fatalf("status = %v, want Cancelled", c.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("pending URB was not purged on detach")
	}

	if _, ok := srv.registry.ByLocal(urb.LocalDeviceID(localID)); ok {
		t.Fatal("device still present in registry after detach")
	}
}

func TestFormatStatusReportsSessionsAndDevices(t *testing.T) {
	srv, listener, _, cleanup := newTestServer(t)
	defer cleanup()

	conn, _ := connectAndAttach(t, listener.Addr().String())
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let registerSession land

	status := string(srv.FormatStatus())
	if status == "" {
		t.Fatal("empty status report")
	}
}
