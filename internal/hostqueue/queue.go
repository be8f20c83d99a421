/* vusb - USB-over-network bridge
 *
 * The abstract host-controller queue: the interface the URB router uses
 * to exchange URBs with the local host-controller submitter
 */

// Package hostqueue implements the §6 host-controller queue contract:
// submit, blocking_pull, complete, cancel. Two bindings are provided: a
// channel-backed queue used when no kernel driver is present (the
// default, and the only one usable without a VM/kernel module), and a
// Linux ioctl-backed queue that talks to a real virtual-host-controller
// character device.
package hostqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/vusb-project/vusb/internal/urb"
)

// ErrClosed is returned by BlockingPull once the queue has been closed
var ErrClosed = errors.New("hostqueue: closed")

// Queue is the abstract host-controller queue every router binds
// against. Implementations must be safe for concurrent use by one
// submit-pump goroutine and any number of completers.
type Queue interface {
	// Submit enqueues a URB request (an external submitter handing work
	// to the router). ChannelQueue.Submit blocks while its backlog is
	// full; IoctlQueue.Submit does nothing.
	Submit(req urb.Request)

	// BlockingPull blocks until a URB is available or ctx is done.
	BlockingPull(ctx context.Context) (urb.Request, error)

	// Complete reports a URB's outcome back to the host-controller
	// submitter.
	Complete(c urb.Completion)

	// Cancel asks the host-controller submitter to abort a URB. It is
	// advisory: the URB may already have completed.
	Cancel(device urb.LocalDeviceID, urbID urb.UrbID)

	// Close releases the queue; BlockingPull unblocks with ErrClosed.
	Close() error
}

// ChannelQueue is the in-process, channel-backed binding used by the
// default "standalone" server run mode, the loopback test harness and
// anywhere else a kernel virtual host-controller isn't available.
type ChannelQueue struct {
	submit chan urb.Request
	mu     sync.Mutex
	onComplete func(urb.Completion)
	onCancel   func(urb.LocalDeviceID, urb.UrbID)
	closed chan struct{}
	closeOnce sync.Once
}

// NewChannel creates a ChannelQueue with the given submit backlog.
// onComplete is invoked synchronously from Complete; onCancel from
// Cancel. Both may be nil if the embedding submitter doesn't care.
func NewChannel(backlog int, onComplete func(urb.Completion), onCancel func(urb.LocalDeviceID, urb.UrbID)) *ChannelQueue {
	return &ChannelQueue{
		submit:     make(chan urb.Request, backlog),
		onComplete: onComplete,
		onCancel:   onCancel,
		closed:     make(chan struct{}),
	}
}

// Submit enqueues req. If the backlog is full, Submit blocks — this is
// the back-pressure path §4.5 describes propagating to the submitter.
func (q *ChannelQueue) Submit(req urb.Request) {
	select {
	case q.submit <- req:
	case <-q.closed:
	}
}

// BlockingPull blocks until a URB is queued, ctx is done, or the queue
// is closed.
func (q *ChannelQueue) BlockingPull(ctx context.Context) (urb.Request, error) {
	select {
	case req := <-q.submit:
		return req, nil
	case <-q.closed:
		return urb.Request{}, ErrClosed
	case <-ctx.Done():
		return urb.Request{}, ctx.Err()
	}
}

// Complete invokes the queue's completion callback, if any
func (q *ChannelQueue) Complete(c urb.Completion) {
	if q.onComplete != nil {
		q.onComplete(c)
	}
}

// Cancel invokes the queue's cancel callback, if any
func (q *ChannelQueue) Cancel(device urb.LocalDeviceID, urbID urb.UrbID) {
	if q.onCancel != nil {
		q.onCancel(device, urbID)
	}
}

// Close unblocks any pending BlockingPull with ErrClosed
func (q *ChannelQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
