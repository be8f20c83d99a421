package sessionio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

func TestSendLaneRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	lane := NewSendLane(server, 4, nil)
	defer lane.Close()

	done := make(chan error, 1)
	go func() {
		done <- lane.Enqueue(context.Background(), proto.CmdPing, 1, []byte("x"))
	}()

	f, err := proto.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %s", err)
	}
	if f.Header.Command != proto.CmdPing || f.Header.Sequence != 1 || string(f.Payload) != "x" {
		t.Fatalf("unexpected frame: %+v", f.Header)
	}

	if err := <-done; err != nil {
		t.Fatalf("Enqueue: %s", err)
	}
}

type recordingDispatcher struct {
	frames []proto.Frame
	stopAt int
}

func (d *recordingDispatcher) Dispatch(f proto.Frame) error {
	d.frames = append(d.frames, f)
	return nil
}

func TestReceiveLoopStopsOnEOF(t *testing.T) {
	server, client := net.Pipe()

	disp := &recordingDispatcher{}
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- ReceiveLoop(server, disp, nil)
	}()

	if err := proto.WriteFrame(client, proto.CmdPing, 1, nil); err != nil {
		t.Fatalf("WriteFrame: %s", err)
	}
	client.Close()

	select {
	case err := <-loopDone:
		if err != nil {
			t.Fatalf("ReceiveLoop returned error: %s", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReceiveLoop did not return on EOF")
	}

	if len(disp.frames) != 1 || disp.frames[0].Header.Command != proto.CmdPing {
		t.Fatalf("unexpected dispatched frames: %+v", disp.frames)
	}
}

type blockingDispatcher struct {
	block chan struct{}
}

func (d *blockingDispatcher) Dispatch(f proto.Frame) error {
	<-d.block
	return nil
}

func TestReceiveLoopOverloadsOnQueueOverflow(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	disp := &blockingDispatcher{block: make(chan struct{})}
	defer close(disp.block)

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- ReceiveLoop(server, disp, nil)
	}()

	go func() {
		for i := 0; i < RecvQueueSize+2; i++ {
			proto.WriteFrame(client, proto.CmdPing, uint32(i), nil)
		}
	}()

	select {
	case err := <-loopDone:
		uerr, ok := err.(*urb.Error)
		if !ok || uerr.Kind != urb.KindOverloaded {
			t.Fatalf("expected Overloaded error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReceiveLoop did not return Overloaded on queue overflow")
	}
}

func TestHeartbeatDeclaresDeadPeer(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	lane := NewSendLane(server, 4, nil)
	defer lane.Close()

	// drain pings so the lane never blocks
	go func() {
		for {
			if _, err := proto.ReadFrame(client); err != nil {
				return
			}
		}
	}()

	dead := make(chan struct{})
	hb := NewHeartbeat(lane, 5*time.Millisecond, 20*time.Millisecond, func() { close(dead) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go hb.Run(ctx)

	select {
	case <-dead:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("heartbeat did not declare peer dead")
	}
}

func TestHeartbeatTouchKeepsAlive(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	lane := NewSendLane(server, 4, nil)
	defer lane.Close()

	go func() {
		for {
			if _, err := proto.ReadFrame(client); err != nil {
				return
			}
		}
	}()

	dead := make(chan struct{})
	hb := NewHeartbeat(lane, 10*time.Millisecond, 50*time.Millisecond, func() { close(dead) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	stop := time.After(120 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			hb.Touch()
		case <-stop:
			break loop
		case <-dead:
			t.Fatal("heartbeat declared peer dead despite Touch keeping it alive")
		}
	}
}
