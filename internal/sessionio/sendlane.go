/* vusb - USB-over-network bridge
 *
 * Session send lane: one goroutine owns the socket's write side, fed by
 * a bounded channel, so the router/dispatcher and the heartbeat can
 * enqueue frames from any goroutine without racing on net.Conn.Write.
 */

// Package sessionio implements the transport-level plumbing shared by
// the server and client session objects: a single-writer send lane, a
// framed receive loop and the PING/PONG heartbeat. Generalized from the
// teacher's single-exclusive-owner-per-connection discipline
// (usbConn/connPool in usbtransport.go) from "a pool of interchangeable
// USB connections" to "exactly one TCP connection per session, safe for
// many producers".
package sessionio

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/vlog"
)

// ErrSendLaneClosed is returned by Enqueue once the lane has stopped
var ErrSendLaneClosed = errors.New("sessionio: send lane closed")

// outFrame is one queued outbound frame
type outFrame struct {
	cmd     proto.Command
	seq     uint32
	payload []byte
}

// SendLane serialises every outbound frame for one session's net.Conn
// through a single goroutine, the same "only the pool owner writes"
// discipline usbConn uses for its USB pipe.
type SendLane struct {
	conn net.Conn
	log  *vlog.LogMessage

	queue chan outFrame
	done  chan struct{}
	err   error
	errMu sync.Mutex

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSendLane creates a SendLane writing to conn with the given queue
// depth, and starts its writer goroutine. log, if non-nil, receives a
// Frame trace line per frame written.
func NewSendLane(conn net.Conn, backlog int, log *vlog.LogMessage) *SendLane {
	l := &SendLane{
		conn:  conn,
		log:   log,
		queue: make(chan outFrame, backlog),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *SendLane) run() {
	defer l.wg.Done()

	for {
		select {
		case f := <-l.queue:
			err := proto.WriteFrame(l.conn, f.cmd, f.seq, f.payload)
			if l.log != nil {
				l.log.Frame('>', int(f.seq), "tx", f.cmd.String(), len(f.payload))
			}
			if err != nil {
				l.fail(err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *SendLane) fail(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
}

// Enqueue queues a frame for transmission. Blocks if the lane's backlog
// is full, propagating back-pressure to the caller (the router's
// submit-pump or the dispatcher's completion path) rather than growing
// an unbounded buffer.
func (l *SendLane) Enqueue(ctx context.Context, cmd proto.Command, seq uint32, payload []byte) error {
	select {
	case l.queue <- outFrame{cmd, seq, payload}:
		return nil
	case <-l.done:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that stopped the lane, or ErrSendLaneClosed if
// it was stopped deliberately via Close.
func (l *SendLane) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.err != nil {
		return l.err
	}
	return ErrSendLaneClosed
}

// Close stops the lane's writer goroutine and waits for it to exit.
// Does not close the underlying net.Conn — the owning session does
// that once both the send lane and the receive loop have stopped.
func (l *SendLane) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}
