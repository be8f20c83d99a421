/* vusb - USB-over-network bridge
 *
 * Application-level heartbeat: periodic PING plus a liveness window,
 * lifted to the protocol layer from the TCP-level keep-alive the
 * teacher's Listener sets on every accepted connection (SetKeepAlive /
 * SetKeepAlivePeriod in listener.go) — TCP keep-alive alone doesn't
 * notice a peer that's still connected but wedged, so the session
 * needs its own PING/PONG liveness check on top.
 */

package sessionio

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vusb-project/vusb/internal/proto"
)

// DefaultPingInterval is how often Heartbeat sends PING
const DefaultPingInterval = 15 * time.Second

// DefaultLivenessWindow is how long a session may go without any
// received frame before Heartbeat declares it dead
const DefaultLivenessWindow = 45 * time.Second

// Heartbeat sends periodic PING frames over a SendLane and calls
// onDead if no frame has been observed (via Touch) within the
// liveness window.
type Heartbeat struct {
	lane     *SendLane
	interval time.Duration
	window   time.Duration
	onDead   func()

	lastSeen atomic.Value // time.Time
	nextSeq  uint32
}

// NewHeartbeat creates a Heartbeat. onDead is invoked at most once,
// from the heartbeat's own goroutine, when the liveness window elapses.
func NewHeartbeat(lane *SendLane, interval, window time.Duration, onDead func()) *Heartbeat {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	h := &Heartbeat{lane: lane, interval: interval, window: window, onDead: onDead}
	h.Touch()
	return h
}

// Touch records that a frame was just received, resetting the liveness
// window. Call this for every frame read by the receive loop, not just
// PONG — any traffic proves the peer is alive.
func (h *Heartbeat) Touch() {
	h.lastSeen.Store(time.Now())
}

// Run sends PING every interval and checks the liveness window, until
// ctx is cancelled or a dead peer is declared.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := h.lastSeen.Load().(time.Time)
			if time.Since(last) > h.window {
				if h.onDead != nil {
					h.onDead()
				}
				return
			}

			h.nextSeq++
			h.lane.Enqueue(ctx, proto.CmdPing, h.nextSeq, nil)
		case <-ctx.Done():
			return
		}
	}
}
