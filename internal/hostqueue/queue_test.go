package hostqueue

import (
	"context"
	"testing"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

func TestChannelQueueRoundTrip(t *testing.T) {
	var completed []urb.Completion
	q := NewChannel(4, func(c urb.Completion) {
		completed = append(completed, c)
	}, nil)
	defer q.Close()

	req := urb.Request{Device: 1, UrbID: 7, Endpoint: 0x81, TransferType: proto.TransferBulk, Direction: proto.DirIn, BufLen: 64}
	q.Submit(req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := q.BlockingPull(ctx)
	if err != nil {
		t.Fatalf("BlockingPull: %s", err)
	}
	if got.UrbID != 7 || got.Device != 1 {
		t.Fatalf("got %+v", got)
	}

	q.Complete(urb.Completion{Device: 1, UrbID: 7, Status: proto.StatusSuccess, ActualLength: 8})
	if len(completed) != 1 || completed[0].ActualLength != 8 {
		t.Fatalf("completion not observed: %+v", completed)
	}
}

func TestChannelQueueClosedUnblocksPull(t *testing.T) {
	q := NewChannel(1, nil, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := q.BlockingPull(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("BlockingPull did not unblock on Close")
	}
}
