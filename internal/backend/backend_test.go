package backend

import (
	"context"
	"testing"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
)

func TestFakeEnumerateOpenTransfer(t *testing.T) {
	f := NewFake()
	f.AddDevice(&FakeDevice{
		CapturedDevice: CapturedDevice{
			Handle: "1:2",
			VID:    0x1234,
			PID:    0x5678,
		},
		Control: &FakeEndpoint{Status: proto.StatusSuccess},
		Endpoints: map[uint8]*FakeEndpoint{
			0x81: {Data: []byte("hello"), Status: proto.StatusSuccess},
		},
	})

	devs, err := f.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %s", err)
	}
	if len(devs) != 1 || devs[0].Handle != "1:2" {
		t.Fatalf("unexpected enumerate result: %+v", devs)
	}

	if err := f.Open("1:2"); err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close("1:2")

	ctx := context.Background()
	buf := make([]byte, 5)
	n, status := f.BulkTransfer(ctx, "1:2", 0x81, buf, time.Second)
	if status != proto.StatusSuccess || n != 5 || string(buf) != "hello" {
		t.Fatalf("unexpected transfer result: n=%d status=%s buf=%q", n, status, buf)
	}
}

func TestFakeTransferUnopenedDevice(t *testing.T) {
	f := NewFake()
	f.AddDevice(&FakeDevice{CapturedDevice: CapturedDevice{Handle: "1:1"}})

	_, status := f.BulkTransfer(context.Background(), "1:1", 0x81, make([]byte, 4), time.Second)
	if status != proto.StatusInvalidParam {
		t.Fatalf("expected InvalidParam for unopened device, got %s", status)
	}
}

func TestFakeUnknownDevice(t *testing.T) {
	f := NewFake()
	if err := f.Open("nope"); err == nil {
		t.Fatal("expected error opening unknown handle")
	}
}

func TestFakeAbortPipeRecorded(t *testing.T) {
	f := NewFake()
	f.AbortPipe("1:1", 0x81)
	if len(f.Aborted) != 1 || f.Aborted[0].Handle != "1:1" || f.Aborted[0].Endpoint != 0x81 {
		t.Fatalf("abort not recorded: %+v", f.Aborted)
	}
}

func TestCapturedDeviceInfo(t *testing.T) {
	cd := CapturedDevice{VID: 1, PID: 2, Manufacturer: "acme"}
	info := cd.Info()
	if info.VID != 1 || info.PID != 2 || info.Manufacturer != "acme" {
		t.Fatalf("Info mapping wrong: %+v", info)
	}
}
