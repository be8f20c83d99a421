/* vusb - USB-over-network bridge
 *
 * Control socket: a HTTP server running on top of a Unix domain
 * socket, used by "vusbd status" (and by Evict callers) to talk to
 * a running vusbd without opening a network port for it.
 */

// Package ctrlsock implements the control socket server and client
// used for out-of-band status queries and operator-triggered device
// eviction.
package ctrlsock

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/vusb-project/vusb/internal/vlog"
)

// ErrNoServer is returned when the control socket can't be reached
// because no vusbd is running
var ErrNoServer = errors.New("vusbd is not running")

// ErrAccess is returned when the control socket exists but the caller
// lacks permission to use it
var ErrAccess = errors.New("access denied to the control socket")

// Report is implemented by the server object that owns session and
// device state; the control socket calls into it to answer requests
type Report interface {
	// FormatStatus renders a human-readable status report
	FormatStatus() []byte

	// Evict forcibly detaches the device with the given local id,
	// purging its pending URBs
	Evict(localID uint32) error
}

// Server is a running control socket listener
type Server struct {
	addr   *net.UnixAddr
	http   *http.Server
	report Report
	log    *vlog.Logger
}

// Start opens the control socket at path and begins serving requests
// in the background
func Start(path string, report Report, lg *vlog.Logger) (*Server, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}

	lg.Debug(' ', "ctrlsock: listening at %q", path)

	os.Remove(path)

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}

	// Socket is reachable by anyone on the machine; the control
	// socket itself enforces no ACLs beyond filesystem permissions
	os.Chmod(path, 0777)

	s := &Server{addr: addr, report: report, log: lg}
	s.http = &http.Server{
		Handler:  http.HandlerFunc(s.handler),
		ErrorLog: log.New(lg.LineWriter(vlog.LogError, '!'), "", 0),
	}

	go s.http.Serve(listener)

	return s, nil
}

// Stop shuts down the control socket server
func (s *Server) Stop() {
	s.log.Debug(' ', "ctrlsock: shutdown")
	s.http.Close()
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	s.log.Debug(' ', "ctrlsock: %s %s", r.Method, r.URL)

	defer func() {
		if v := recover(); v != nil {
			s.log.Error('!', "ctrlsock: panic: %v", v)
		}
	}()

	switch {
	case r.Method == "GET" && r.URL.Path == "/status":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		noCache(w)
		w.WriteHeader(http.StatusOK)
		w.Write(s.report.FormatStatus())

	case r.Method == "POST" && strings.HasPrefix(r.URL.Path, "/devices/") && strings.HasSuffix(r.URL.Path, "/evict"):
		idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/devices/"), "/evict")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			http.Error(w, "bad device id", http.StatusBadRequest)
			return
		}

		if err := s.report.Evict(uint32(id)); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusOK)

	case r.Method != "GET" && r.Method != "POST":
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// dial connects to the control socket at path
func dial(path string) (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err == nil {
		return conn, nil
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				return nil, ErrNoServer
			case syscall.EACCES, syscall.EPERM:
				return nil, ErrAccess
			}
		}
	}

	return nil, err
}

func client(path string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Dial: func(network, addr string) (net.Conn, error) {
				return dial(path)
			},
		},
	}
}

// RetrieveStatus connects to the control socket at path and fetches
// the running server's status report
func RetrieveStatus(path string) ([]byte, error) {
	rsp, err := client(path).Get("http://localhost/status")
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	return io.ReadAll(rsp.Body)
}

// Evict connects to the control socket at path and requests eviction
// of the device with the given local id
func Evict(path string, localID uint32) error {
	url := fmt.Sprintf("http://localhost/devices/%d/evict", localID)

	rsp, err := client(path).Post(url, "text/plain", nil)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(rsp.Body)
		return fmt.Errorf("evict device %d: %s", localID, strings.TrimSpace(string(body)))
	}

	return nil
}
