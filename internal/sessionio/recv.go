/* vusb - USB-over-network bridge
 *
 * Framed receive loop: reads frames off a net.Conn until error or stop
 */

package sessionio

import (
	"io"
	"net"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
	"github.com/vusb-project/vusb/internal/vlog"
)

// Dispatcher handles one decoded frame. Implementations are the server
// session and client session objects in internal/server/internal/client.
type Dispatcher interface {
	Dispatch(f proto.Frame) error
}

// RecvQueueSize bounds the number of parsed frames awaiting dispatch.
// §4.3/§4.4/§7: a session whose receive queue overflows this bound is
// killed with Overloaded rather than let a flooding client grow memory
// without limit.
const RecvQueueSize = 256

// ReceiveLoop reads frames from conn and hands each to dispatcher, off a
// bounded queue, until ReadFrame fails (EOF, protocol error, oversize
// payload), the queue overflows, or dispatcher returns an error. The
// caller runs this on its own goroutine and decides what a returned
// error means for the session (always fatal: §5's error-handling design
// treats every frame-level read failure, and an overloaded queue, as
// connection-fatal).
func ReceiveLoop(conn net.Conn, dispatcher Dispatcher, log *vlog.LogMessage) error {
	queue := make(chan proto.Frame, RecvQueueSize)
	dispatchDone := make(chan error, 1)

	go func() {
		for f := range queue {
			if err := dispatcher.Dispatch(f); err != nil {
				dispatchDone <- err
				// Unblock the reader so the loop ends now, not at the
				// peer's next frame or close.
				conn.SetReadDeadline(time.Now())
				for range queue {
					// Drain without dispatching so the reader below never
					// blocks sending to a queue nobody is consuming.
				}
				return
			}
		}
		dispatchDone <- nil
	}()

	readErr := func() error {
		for {
			f, err := proto.ReadFrame(conn)
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}

			if log != nil {
				log.Frame('<', int(f.Header.Sequence), "rx", f.Header.Command.String(), len(f.Payload))
			}

			select {
			case queue <- f:
			default:
				return urb.New(urb.KindOverloaded)
			}
		}
	}()

	// A read failure or an overflow returns without waiting for frames
	// still queued; a dispatcher error, when there is one, takes precedence.
	close(queue)
	if readErr != nil {
		select {
		case err := <-dispatchDone:
			if err != nil {
				return err
			}
		default:
		}
		return readErr
	}
	return <-dispatchDone
}
