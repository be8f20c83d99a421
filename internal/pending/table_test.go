package pending

import (
	"testing"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

func TestInsertDuplicateRejected(t *testing.T) {
	tbl := New()
	noop := func(urb.Completion) {}

	if err := tbl.Insert(1, 7, "s", proto.DirIn, 64, 0, noop); err != nil {
		t.Fatal(err)
	}

	err := tbl.Insert(1, 7, "s", proto.DirIn, 64, 0, noop)
	uerr, ok := err.(*urb.Error)
	if !ok || uerr.Kind != urb.KindDuplicateUrb {
		t.Fatalf("got %v, want DuplicateUrb", err)
	}
}

func TestCompleteAtMostOnce(t *testing.T) {
	tbl := New()
	calls := 0
	tbl.Insert(1, 7, "s", proto.DirIn, 64, 0, func(urb.Completion) { calls++ })

	if ok := tbl.Complete(urb.Completion{Device: 1, UrbID: 7, Status: proto.StatusSuccess}); !ok {
		t.Fatal("first Complete should succeed")
	}
	if ok := tbl.Complete(urb.Completion{Device: 1, UrbID: 7, Status: proto.StatusSuccess}); ok {
		t.Fatal("second Complete should be a no-op (spurious)")
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
}

func TestCancelIdempotent(t *testing.T) {
	tbl := New()
	calls := 0
	tbl.Insert(1, 9, "s", proto.DirIn, 64, 0, func(c urb.Completion) {
		calls++
		if c.Status != proto.StatusCancelled {
			t.Errorf("status = %v, want Cancelled", c.Status)
		}
	})

	tbl.Cancel(1, 9)
	tbl.Cancel(1, 9) // second call: no-op

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
}

func TestPurgeSessionOwnershipClosure(t *testing.T) {
	tbl := New()
	var completed []urb.UrbID
	cb := func(c urb.Completion) { completed = append(completed, c.UrbID) }

	tbl.Insert(1, 1, "s1", proto.DirIn, 0, 0, cb)
	tbl.Insert(1, 2, "s1", proto.DirIn, 0, 0, cb)
	tbl.Insert(2, 3, "s2", proto.DirIn, 0, 0, cb)

	tbl.Purge("s1")

	if len(completed) != 2 {
		t.Fatalf("completed %d urbs, want 2", len(completed))
	}
	if tbl.Len() != 1 {
		t.Fatalf("table len = %d, want 1 (s2's urb remains)", tbl.Len())
	}
}

func TestPurgeDeviceDetachCancelsAll(t *testing.T) {
	tbl := New()
	statuses := map[urb.UrbID]proto.StatusCode{}
	cb := func(c urb.Completion) { statuses[c.UrbID] = c.Status }

	tbl.Insert(1, 1, "s", proto.DirIn, 0, 0, cb)
	tbl.Insert(1, 2, "s", proto.DirIn, 0, 0, cb)

	tbl.PurgeDevice(1, proto.StatusNoDevice)

	if len(statuses) != 2 || statuses[1] != proto.StatusNoDevice || statuses[2] != proto.StatusNoDevice {
		t.Fatalf("statuses = %v", statuses)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table len = %d, want 0", tbl.Len())
	}

	// Detach-cancels-all: no further completion should be possible
	if ok := tbl.Complete(urb.Completion{Device: 1, UrbID: 1}); ok {
		t.Fatal("completion fired after device detach")
	}
}

func TestSweepTimeouts(t *testing.T) {
	tbl := New()
	var got proto.StatusCode
	tbl.Insert(1, 1, "s", proto.DirIn, 0, time.Millisecond, func(c urb.Completion) { got = c.Status })

	time.Sleep(5 * time.Millisecond)
	tbl.SweepTimeouts(time.Now())

	if got != proto.StatusTimeout {
		t.Fatalf("status = %v, want Timeout", got)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table len = %d, want 0", tbl.Len())
	}
}

func TestDirectionLookup(t *testing.T) {
	tbl := New()
	tbl.Insert(1, 1, "s", proto.DirIn, 64, 0, func(urb.Completion) {})

	dir, ok := tbl.Direction(1, 1)
	if !ok || dir != proto.DirIn {
		t.Fatalf("Direction = %v, %v", dir, ok)
	}

	if _, ok := tbl.Direction(1, 99); ok {
		t.Fatal("expected ok=false for unknown key")
	}
}
