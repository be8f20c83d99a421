/* vusb - USB-over-network bridge
 *
 * Client-side session: connects to vusbd, sends CONNECT, and answers
 * SUBMIT_URB/CANCEL_URB by executing transfers against a capture
 * backend
 */

// Package client implements the C6 client side of the bridge: a single
// TCP session to vusbd, a URB dispatcher that executes SUBMIT_URB
// against a local internal/backend.Backend, and a watch loop that
// attaches/detaches devices as they come and go.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vusb-project/vusb/internal/backend"
	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/sessionio"
	"github.com/vusb-project/vusb/internal/vlog"
)

// Config holds the client session tunables
type Config struct {
	ClientName       string
	SendLaneBacklog  int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration // round-trip timeout for CONNECT/DEVICE_ATTACH/etc
	WatchInterval     time.Duration // device-enumeration poll period
}

// DefaultConfig mirrors vconf.DefaultClientConfig's values
var DefaultConfig = Config{
	SendLaneBacklog:   256,
	HeartbeatInterval: sessionio.DefaultPingInterval,
	HeartbeatTimeout:  sessionio.DefaultLivenessWindow,
	RequestTimeout:    5 * time.Second,
	WatchInterval:     2 * time.Second,
}

// Session is one client-side connection to vusbd
type Session struct {
	cfg     Config
	backend backend.Backend
	conn    net.Conn
	lane    *sessionio.SendLane
	hb      *sessionio.Heartbeat
	log     *vlog.LogMessage

	outSeq uint32

	repliesMu sync.Mutex
	replies   map[uint32]chan replyMsg

	devicesMu    sync.Mutex
	handleToLocal map[string]uint32 // backend handle -> server local id
	localToHandle map[uint32]string

	inflightMu sync.Mutex
	inflight   map[inflightKey]context.CancelFunc

	done chan struct{}
}

// Done returns a channel that's closed once the session's receive loop
// has ended, for callers that want to notice a dropped connection
// without going through a failed roundTrip.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

type inflightKey struct {
	device uint32
	urbID  uint32
}

// replyMsg carries either a matched reply frame or the error that made
// one impossible (connection closed, receive loop ended) to a blocked
// roundTrip caller.
type replyMsg struct {
	frame proto.Frame
	err   error
}

// Dial connects to addr, performs the CONNECT handshake, and returns a
// running Session whose receive loop and heartbeat are already started
// on background goroutines.
func Dial(ctx context.Context, addr string, cfg Config, be backend.Backend, log *vlog.Logger) (*Session, error) {
	if cfg.SendLaneBacklog <= 0 {
		cfg.SendLaneBacklog = DefaultConfig.SendLaneBacklog
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultConfig.WatchInterval
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	sessLog := log.Begin()
	lane := sessionio.NewSendLane(conn, cfg.SendLaneBacklog, sessLog)

	sess := &Session{
		cfg:           cfg,
		backend:       be,
		conn:          conn,
		lane:          lane,
		log:           sessLog,
		replies:       make(map[uint32]chan replyMsg),
		handleToLocal: make(map[string]uint32),
		localToHandle: make(map[uint32]string),
		inflight:      make(map[inflightKey]context.CancelFunc),
		done:          make(chan struct{}),
	}
	sess.hb = sessionio.NewHeartbeat(lane, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, func() {
		sess.log.Info('-', "client: heartbeat timeout, closing connection")
		conn.Close()
	})

	// The receive loop delivers the CONNECT reply, so it starts first.
	sessCtx, cancel := context.WithCancel(context.Background())
	go func() {
		err := sessionio.ReceiveLoop(conn, sess, sessLog)
		cancel()
		sess.failAllReplies(err)
		sess.lane.Close()
		close(sess.done)
		sessLog.Info('-', "client: session closed: %v", err)
	}()

	connectReq := proto.ConnectReq{ClientVersion: uint32(proto.Version), ClientName: cfg.ClientName}
	f, err := sess.roundTrip(ctx, proto.CmdConnect, connectReq.Encode())
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := proto.DecodeConnectResp(f.Payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Status != proto.StatusSuccess {
		conn.Close()
		return nil, fmt.Errorf("client: server rejected CONNECT: %s", resp.Status)
	}

	go sess.hb.Run(sessCtx)

	return sess, nil
}

func (sess *Session) nextSeq() uint32 {
	return atomic.AddUint32(&sess.outSeq, 1)
}

// roundTrip sends a request frame and blocks for the matching reply,
// correlated by sequence number the way every other request/response
// pair on this wire is.
func (sess *Session) roundTrip(ctx context.Context, cmd proto.Command, payload []byte) (proto.Frame, error) {
	seq := sess.nextSeq()

	ch := make(chan replyMsg, 1)
	sess.repliesMu.Lock()
	sess.replies[seq] = ch
	sess.repliesMu.Unlock()
	defer func() {
		sess.repliesMu.Lock()
		delete(sess.replies, seq)
		sess.repliesMu.Unlock()
	}()

	if err := sess.lane.Enqueue(ctx, cmd, seq, payload); err != nil {
		return proto.Frame{}, err
	}

	timeout := sess.cfg.RequestTimeout
	select {
	case m := <-ch:
		return m.frame, m.err
	case <-time.After(timeout):
		return proto.Frame{}, errors.New("client: request timed out")
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

func (sess *Session) failAllReplies(err error) {
	sess.repliesMu.Lock()
	defer sess.repliesMu.Unlock()
	for seq, ch := range sess.replies {
		ch <- replyMsg{err: err}
		delete(sess.replies, seq)
	}
}

// Close tears down the session: aborts in-flight transfers, closes
// every attached device, and closes the connection.
func (sess *Session) Close() {
	sess.inflightMu.Lock()
	for _, cancel := range sess.inflight {
		cancel()
	}
	sess.inflightMu.Unlock()

	sess.devicesMu.Lock()
	handles := make([]string, 0, len(sess.handleToLocal))
	for h := range sess.handleToLocal {
		handles = append(handles, h)
	}
	sess.devicesMu.Unlock()

	for _, h := range handles {
		sess.backend.Close(h)
	}

	sess.lane.Close()
	sess.conn.Close()
}
