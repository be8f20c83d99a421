/* vusb - USB-over-network bridge
 *
 * The vusbd main function
 */

package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/vusb-project/vusb/internal/ctrlsock"
	"github.com/vusb-project/vusb/internal/dnssd"
	"github.com/vusb-project/vusb/internal/hostqueue"
	"github.com/vusb-project/vusb/internal/paths"
	"github.com/vusb-project/vusb/internal/pending"
	"github.com/vusb-project/vusb/internal/policy"
	"github.com/vusb-project/vusb/internal/registry"
	"github.com/vusb-project/vusb/internal/server"
	"github.com/vusb-project/vusb/internal/urb"
	"github.com/vusb-project/vusb/internal/vconf"
	"github.com/vusb-project/vusb/internal/vdaemon"
	"github.com/vusb-project/vusb/internal/vlog"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, accepting client sessions and routing
                  URBs between them and the host-controller queue
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit
    status      - print vusbd status and exit

Options are:
    -bg         - run in background (ignored in debug mode)
`

type runMode int

const (
	runDefault runMode = iota
	runStandalone
	runDebug
	runCheck
	runStatus
)

func (m runMode) String() string {
	switch m {
	case runStandalone:
		return "standalone"
	case runDebug:
		return "debug"
	case runCheck:
		return "check"
	case runStatus:
		return "status"
	}
	return "default"
}

type runParams struct {
	mode       runMode
	background bool
}

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() runParams {
	params := runParams{mode: runDebug}

	modes := 0
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.mode = runStandalone
			modes++
		case "debug":
			params.mode = runDebug
			modes++
		case "check":
			params.mode = runCheck
			modes++
		case "status":
			params.mode = runStatus
			modes++
		case "-bg":
			params.background = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}
	if params.mode == runDebug {
		params.background = false
	}

	return params
}

func printStatus() {
	text, err := ctrlsock.RetrieveStatus(paths.ControlSocket)
	if err != nil {
		fmt.Println(err)
		return
	}

	text = bytes.Trim(text, "\n")
	for _, line := range bytes.Split(text, []byte("\n")) {
		fmt.Printf("%s\n", line)
	}
}

func serverConfigToInternal(cfg vconf.ServerConfig) server.Config {
	return server.Config{
		MaxDevices:        int(cfg.MaxDevices),
		SendLaneBacklog:   256,
		UrbDeadline:       time.Duration(cfg.UrbDeadlineMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond,
	}
}

func main() {
	params := parseArgv()

	cfg, err := vconf.LoadServerConfig()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	mainLog := vlog.NewLogger()
	if params.mode == runDebug || params.mode == runCheck || params.mode == runStatus {
		if cfg.ColorConsole {
			mainLog.ToColorConsole()
		} else {
			mainLog.ToConsole()
		}
	} else {
		mainLog.ToFile(paths.LogDir, "vusbd")
	}

	if params.mode == runCheck {
		mainLog.Info(0, "Configuration files: OK")
		os.Exit(0)
	}

	if params.mode == runStatus {
		printStatus()
		os.Exit(0)
	}

	if params.background {
		if err := vdaemon.Daemon(vdaemon.StripFlag("-bg")); err != nil {
			mainLog.Exit(0, "%s", err)
		}
		os.Exit(0)
	}

	os.MkdirAll(paths.LockDir, 0755)
	lock, err := os.OpenFile(paths.ServerLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		mainLog.Exit(0, "%s", err)
	}
	defer lock.Close()

	if err := vdaemon.FileLock(lock, true, false); err != nil {
		if err == vdaemon.ErrLockIsBusy {
			mainLog.Exit(0, "vusbd already running")
		}
		mainLog.Exit(0, "%s", err)
	}

	mainLog.Info(' ', "===============================")
	mainLog.Info(' ', "vusbd started in %q mode, pid=%d", params.mode, os.Getpid())
	defer mainLog.Info(' ', "vusbd finished")

	if params.mode != runDebug {
		if err := vdaemon.CloseStdInOutErr(); err != nil {
			mainLog.Exit(0, "%s", err)
		}
	}

	var pol *policy.Policy
	if cfg.PolicyFile != "" {
		pol, err = policy.Load(cfg.PolicyFile)
		if err != nil {
			mainLog.Exit(0, "%s", err)
		}
	} else {
		pol = policy.Empty
	}

	reg := registry.New(int(cfg.MaxDevices))
	pend := pending.New()

	// The channel-backed queue has no real host controller behind it in
	// this standalone binary (see DESIGN.md), so completions have
	// nowhere to go but the log; a kernel character-device host would
	// wire its own notification path here instead.
	var srv *server.Server
	queue := hostqueue.NewChannel(256,
		func(c urb.Completion) { mainLog.Debug(' ', "hostqueue: urb %d on device %d completed, status %s", c.UrbID, c.Device, c.Status) },
		func(device urb.LocalDeviceID, urbID urb.UrbID) { srv.HandleHostCancel(device, urbID) },
	)

	srv = server.New(serverConfigToInternal(cfg), reg, pend, pol, queue, mainLog)

	network := "tcp4"
	if cfg.IPV6Enable {
		network = "tcp"
	}
	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	if cfg.LoopbackOnly {
		listenAddr = fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort)
	}

	listener, err := net.Listen(network, listenAddr)
	if err != nil {
		mainLog.Exit(0, "%s", err)
	}
	defer listener.Close()

	ctrl, err := ctrlsock.Start(paths.ControlSocket, srv, mainLog)
	if err != nil {
		mainLog.Exit(0, "%s", err)
	}
	defer ctrl.Stop()

	var publisher *dnssd.Publisher
	if cfg.DNSSdEnable {
		hostname, _ := os.Hostname()
		services := []dnssd.ServiceInfo{{Type: dnssd.ServiceType, Port: cfg.ListenPort}}
		publisher, err = dnssd.Publish(hostname, services, 0, cfg.IPV6Enable)
		if err != nil {
			mainLog.Error('!', "dnssd: %s", err)
		} else {
			defer publisher.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Serve(ctx, listener)
	srv.AcceptLoop(ctx, listener)
}
