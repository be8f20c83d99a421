/* vusb - USB-over-network bridge
 *
 * Server object: brings session manager, URB router, registry and
 * pending-URB table together, the way the teacher's Device object
 * brings its HTTP proxy, USB transport and DNS-SD publisher together
 * (device.go).
 */

// Package server implements the server side of the bridge: the C4
// session manager (accept loop, per-connection handshake, frame
// dispatch) and the C5 URB router (pulling submissions off the local
// host-controller queue and matching completions back), plus the
// per-device statistics and control-socket status report described as
// a supplemented feature.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vusb-project/vusb/internal/hostqueue"
	"github.com/vusb-project/vusb/internal/pending"
	"github.com/vusb-project/vusb/internal/policy"
	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/registry"
	"github.com/vusb-project/vusb/internal/sessionio"
	"github.com/vusb-project/vusb/internal/urb"
	"github.com/vusb-project/vusb/internal/vlog"
)

// Config holds the server tunables the session manager and router
// consult; lifted out of vconf.ServerConfig so this package doesn't
// need to import vconf just for a handful of fields.
type Config struct {
	MaxDevices         int
	SendLaneBacklog    int // bound on outstanding frames per session, default 256
	UrbDeadline        time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
}

// DefaultConfig mirrors vconf.DefaultServerConfig's values
var DefaultConfig = Config{
	MaxDevices:        16,
	SendLaneBacklog:   256,
	UrbDeadline:       pending.DefaultDeadline,
	HeartbeatInterval: sessionio.DefaultPingInterval,
	HeartbeatTimeout:  sessionio.DefaultLivenessWindow,
}

// Server owns every piece of server-side state: the device registry,
// the pending-URB table, the admission policy, the host-controller
// queue and the set of live sessions.
type Server struct {
	cfg      Config
	registry *registry.Registry
	pending  *pending.Table
	policy   *policy.Policy
	queue    hostqueue.Queue
	log      *vlog.Logger

	sessionsMu sync.Mutex
	sessions   map[uint32]*Session
	nextSessID uint32

	statsMu sync.Mutex
	stats   map[urb.LocalDeviceID]*DeviceStats

	listener net.Listener
	routerWG sync.WaitGroup
	cancel   context.CancelFunc
}

// New creates a Server. queue is typically a *hostqueue.ChannelQueue
// whose onCancel callback is bound to the returned Server's
// HandleHostCancel method (the caller must wire this, since the queue
// is constructed before the Server that needs to reference it).
func New(cfg Config, reg *registry.Registry, pend *pending.Table, pol *policy.Policy, queue hostqueue.Queue, log *vlog.Logger) *Server {
	if cfg.SendLaneBacklog <= 0 {
		cfg.SendLaneBacklog = DefaultConfig.SendLaneBacklog
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		pending:  pend,
		policy:   pol,
		queue:    queue,
		log:      log,
		sessions: make(map[uint32]*Session),
		stats:    make(map[urb.LocalDeviceID]*DeviceStats),
	}
}

// Serve starts the URB router and the pending-URB timeout sweeper on
// background goroutines, which run until ctx is cancelled or Shutdown
// is called, and returns at once. It does not accept connections;
// AcceptLoop does that.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = listener

	s.routerWG.Add(1)
	go func() {
		defer s.routerWG.Done()
		s.runRouter(ctx)
	}()

	sweepInterval := s.cfg.UrbDeadline / 2
	if sweepInterval <= 0 {
		sweepInterval = pending.DefaultDeadline / 2
	}
	s.routerWG.Add(1)
	go func() {
		defer s.routerWG.Done()
		s.pending.Sweeper(sweepInterval, ctx.Done())
	}()

	return nil
}

// AcceptLoop runs the accept loop on listener, spawning one session per
// connection, until ctx is cancelled or Accept fails.
func (s *Server) AcceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if tcpconn, ok := conn.(*net.TCPConn); ok {
			tcpconn.SetKeepAlive(true)
			tcpconn.SetKeepAlivePeriod(20 * time.Second)
		}

		go s.handleConn(ctx, conn)
	}
}

// Shutdown stops the router and closes the listener. Sessions that are
// already running are not closed.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.routerWG.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess, err := s.handshake(ctx, conn)
	if err != nil {
		s.log.Debug(' ', "server: handshake failed from %s: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	s.registerSession(sess)
	defer s.unregisterSession(sess)

	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()

	go sess.hb.Run(sessCtx)

	err = sessionio.ReceiveLoop(conn, sess, sess.log)
	if err != nil {
		sess.log.Debug(' ', "server: session %d: %s", sess.id, err)
	}

	sess.teardown()
}

// handshake reads the CONNECT frame, validates it, and replies with
// CONNECT_RESP — the first step of the C4 accept sequence.
func (s *Server) handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	f, err := proto.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Header.Command != proto.CmdConnect {
		proto.WriteFrame(conn, proto.CmdError, f.Header.Sequence,
			proto.ErrorMsg{Code: uint32(urb.KindProtocolError), OrigCommand: f.Header.Command, Message: "expected CONNECT"}.Encode())
		return nil, fmt.Errorf("server: expected CONNECT, got %s", f.Header.Command)
	}

	req, err := proto.DecodeConnectReq(f.Payload)
	if err != nil {
		return nil, err
	}

	sessID := atomic.AddUint32(&s.nextSessID, 1)

	sessLog := s.log.Begin()
	sessLog.Info('+', "server: session %d connected from %s (%q)", sessID, conn.RemoteAddr(), req.ClientName)
	sessLog.Commit()

	lane := sessionio.NewSendLane(conn, s.cfg.SendLaneBacklog, nil)

	sess := &Session{
		id:         sessID,
		clientName: req.ClientName,
		conn:       conn,
		lane:       lane,
		server:     s,
		devices:    make(map[urb.LocalDeviceID]urb.RemoteDeviceID),
		log:        sessLog,
	}
	sess.hb = sessionio.NewHeartbeat(lane, s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout, func() {
		sess.log.Info('-', "server: session %d: heartbeat timeout", sess.id)
		conn.Close()
	})

	resp := proto.ConnectResp{Status: proto.StatusSuccess, ServerVersion: uint32(proto.Version), SessionID: sessID}
	if err := proto.WriteFrame(conn, proto.CmdConnect, f.Header.Sequence, resp.Encode()); err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Server) registerSession(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
}

func (s *Server) unregisterSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.id)
	s.sessionsMu.Unlock()
}

// sessionByID returns the live session for id, if any
func (s *Server) sessionByID(id uint32) (*Session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// HandleHostCancel is wired as the onCancel callback of the server's
// host-controller queue: looks up the owning session for device and
// forwards CANCEL_URB to it.
func (s *Server) HandleHostCancel(device urb.LocalDeviceID, urbID urb.UrbID) {
	entry, ok := s.registry.ByLocal(device)
	if !ok {
		return
	}
	sess, ok := entry.Session.(*Session)
	if !ok {
		return
	}

	payload := proto.CancelUrbReq{Device: uint32(device), UrbID: uint32(urbID)}.Encode()
	sess.lane.Enqueue(context.Background(), proto.CmdCancelUrb, sess.nextSeq(), payload)
}

// EvictDevice forcibly detaches localID: cancels its pending URBs and
// removes its registry slot, the operator-triggered path described by
// the supplemented status/eviction feature. Unlike client-initiated
// DEVICE_DETACH, its pending URBs complete with NoDevice rather than
// Cancelled, and no frame is sent to the owning client.
func (s *Server) EvictDevice(localID uint32) error {
	device := urb.LocalDeviceID(localID)

	entry, ok := s.registry.ByLocal(device)
	if !ok {
		return fmt.Errorf("server: no device %d", localID)
	}

	s.pending.PurgeDevice(device, proto.StatusNoDevice)
	s.registry.Detach(device)
	s.forgetStats(device)

	if sess, ok := entry.Session.(*Session); ok {
		sess.forgetDevice(device)
	}

	return nil
}

// Evict implements ctrlsock.Report
func (s *Server) Evict(localID uint32) error {
	return s.EvictDevice(localID)
}
