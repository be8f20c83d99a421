package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vusb-project/vusb/internal/backend"
	"github.com/vusb-project/vusb/internal/hostqueue"
	"github.com/vusb-project/vusb/internal/pending"
	"github.com/vusb-project/vusb/internal/policy"
	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/registry"
	"github.com/vusb-project/vusb/internal/server"
	"github.com/vusb-project/vusb/internal/urb"
	"github.com/vusb-project/vusb/internal/vlog"
)

// testDesc is a standard 18-byte device descriptor, VID/PID matching the
// attach's own DeviceInfo, with no configuration descriptor following.
var testDesc = []byte{
	0x12, 0x01, 0x00, 0x02, 0xFF, 0x00, 0x00, 0x40,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
}

// newTestServer brings up a loopback server.Server the same way
// server_test.go does, so the client package can be exercised against
// the real wire protocol instead of a hand-rolled stub.
func newTestServer(t *testing.T) (addr string, queue *hostqueue.ChannelQueue, completions chan urb.Completion, cleanup func()) {
	t.Helper()

	completions = make(chan urb.Completion, 8)
	queue = hostqueue.NewChannel(8, func(c urb.Completion) { completions <- c }, func(urb.LocalDeviceID, urb.UrbID) {})
	reg := registry.New(4)
	pend := pending.New()
	log := vlog.NewLogger()

	cfg := server.DefaultConfig
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Hour

	srv := server.New(cfg, reg, pend, policy.Empty, queue, log)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.Serve(ctx, listener)
	go srv.AcceptLoop(ctx, listener)

	return listener.Addr().String(), queue, completions, func() {
		cancel()
		listener.Close()
		queue.Close()
	}
}

func newFakeBulkDevice(handle string) *backend.FakeDevice {
	return &backend.FakeDevice{
		CapturedDevice: backend.CapturedDevice{
			Handle:      handle,
			VID:         0x1234,
			PID:         0x5678,
			NumConfigs:  1,
			Descriptors: testDesc,
		},
		Endpoints: map[uint8]*backend.FakeEndpoint{
			0x81: {Data: []byte("from-device"), Status: proto.StatusSuccess},
		},
	}
}

func TestDialAttachesExistingDevice(t *testing.T) {
	addr, _, _, cleanup := newTestServer(t)
	defer cleanup()

	fb := backend.NewFake()
	fb.AddDevice(newFakeBulkDevice("dev-1"))

	cfg := DefaultConfig
	cfg.ClientName = "test-client"
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Hour
	cfg.WatchInterval = 20 * time.Millisecond

	log := vlog.NewLogger()
	sess, err := Dial(context.Background(), addr, cfg, fb, log)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Watch(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sess.devicesMu.Lock()
		n := len(sess.handleToLocal)
		sess.devicesMu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("device never attached")
}

func TestSubmitUrbRunsAgainstBackend(t *testing.T) {
	addr, queue, completions, cleanup := newTestServer(t)
	defer cleanup()

	fb := backend.NewFake()
	fb.AddDevice(newFakeBulkDevice("dev-1"))

	cfg := DefaultConfig
	cfg.ClientName = "test-client"
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Hour
	cfg.WatchInterval = 10 * time.Millisecond

	log := vlog.NewLogger()
	sess, err := Dial(context.Background(), addr, cfg, fb, log)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Watch(ctx)

	var localID uint32
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sess.devicesMu.Lock()
		for _, id := range sess.handleToLocal {
			localID = id
		}
		sess.devicesMu.Unlock()
		if localID != 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if localID == 0 {
		t.Fatal("device never attached")
	}

	req := urb.Request{
		Device:       urb.LocalDeviceID(localID),
		UrbID:        1,
		Endpoint:     0x81,
		TransferType: proto.TransferBulk,
		Direction:    proto.DirIn,
		BufLen:       32,
	}
	queue.Submit(req)

	select {
	case c := <-completions:
		if c.Status != proto.StatusSuccess {
			t.Fatalf("completion status = %v, want Success", c.Status)
		}
		if string(c.DataIn) != "from-device" {
			t.Fatalf("DataIn = %q, want %q", c.DataIn, "from-device")
		}
	case <-time.After(time.Second):
		t.Fatal("completion did not arrive")
	}
}
