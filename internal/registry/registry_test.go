package registry

import (
	"testing"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

var validDesc = []byte{9, 2, 9, 0, 1, 1, 0, 0xC0, 50}

func TestAttachLowestFreeSlot(t *testing.T) {
	r := New(4)

	id1, err := r.Attach("sess1", 1, proto.DeviceInfo{VID: 1}, validDesc)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != 1 {
		t.Errorf("id1 = %d, want 1", id1)
	}

	id2, err := r.Attach("sess1", 2, proto.DeviceInfo{VID: 2}, validDesc)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != 2 {
		t.Errorf("id2 = %d, want 2", id2)
	}

	r.Detach(id1)

	id3, err := r.Attach("sess1", 3, proto.DeviceInfo{VID: 3}, validDesc)
	if err != nil {
		t.Fatal(err)
	}
	if id3 != 1 {
		t.Errorf("id3 = %d, want 1 (reused lowest free slot)", id3)
	}
}

func TestAttachTooManyDevices(t *testing.T) {
	r := New(1)

	if _, err := r.Attach("s", 1, proto.DeviceInfo{}, validDesc); err != nil {
		t.Fatal(err)
	}

	_, err := r.Attach("s", 2, proto.DeviceInfo{}, validDesc)
	uerr, ok := err.(*urb.Error)
	if !ok || uerr.Kind != urb.KindTooManyDevices {
		t.Fatalf("got %v, want TooManyDevices", err)
	}
}

func TestAttachInvalidDescriptor(t *testing.T) {
	r := New(4)
	_, err := r.Attach("s", 1, proto.DeviceInfo{}, []byte{1, 2, 3})
	uerr, ok := err.(*urb.Error)
	if !ok || uerr.Kind != urb.KindInvalidDescriptor {
		t.Fatalf("got %v, want InvalidDescriptor", err)
	}
}

func TestBySessionAndOwnershipClosure(t *testing.T) {
	r := New(4)
	id1, _ := r.Attach("s1", 1, proto.DeviceInfo{}, validDesc)
	r.Attach("s1", 2, proto.DeviceInfo{}, validDesc)
	r.Attach("s2", 3, proto.DeviceInfo{}, validDesc)

	entries := r.BySession("s1")
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	for _, e := range r.BySession("s1") {
		r.Detach(e.LocalID)
	}

	if entries := r.BySession("s1"); len(entries) != 0 {
		t.Fatalf("ownership closure violated: %d entries remain", len(entries))
	}

	if _, ok := r.ByLocal(id1); ok {
		t.Fatal("detached device still present")
	}
}

func TestSnapshotOrderAndLen(t *testing.T) {
	r := New(4)
	r.Attach("s", 1, proto.DeviceInfo{VID: 0xAAAA}, validDesc)
	r.Attach("s", 2, proto.DeviceInfo{VID: 0xBBBB}, validDesc)

	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Info.VID != 0xAAAA || snap[1].Info.VID != 0xBBBB {
		t.Errorf("snapshot = %+v", snap)
	}
}
