/* vusb - USB-over-network bridge
 *
 * The vusb-client main function
 */

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vusb-project/vusb/internal/backend"
	"github.com/vusb-project/vusb/internal/client"
	"github.com/vusb-project/vusb/internal/paths"
	"github.com/vusb-project/vusb/internal/vconf"
	"github.com/vusb-project/vusb/internal/vdaemon"
	"github.com/vusb-project/vusb/internal/vlog"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, discovering local USB devices and
                  attaching them to the configured vusbd
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit

Options are:
    -bg         - run in background (ignored in debug mode)
`

type runMode int

const (
	runDebug runMode = iota
	runStandalone
	runCheck
)

func (m runMode) String() string {
	switch m {
	case runStandalone:
		return "standalone"
	case runCheck:
		return "check"
	}
	return "debug"
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

func clientConfigToInternal(cfg vconf.ClientConfig) client.Config {
	return client.Config{
		ClientName:        cfg.ClientName,
		SendLaneBacklog:   256,
		HeartbeatInterval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatMs*3) * time.Millisecond,
		RequestTimeout:    5 * time.Second,
		WatchInterval:     2 * time.Second,
	}
}

func main() {
	params := parseArgv()

	cfg, err := vconf.LoadClientConfig()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	mainLog := vlog.NewLogger()
	if params.mode == runDebug || params.mode == runCheck {
		if cfg.ColorConsole {
			mainLog.ToColorConsole()
		} else {
			mainLog.ToConsole()
		}
	} else {
		mainLog.ToFile(paths.LogDir, "vusb-client")
	}

	if params.mode == runCheck {
		mainLog.Info(0, "Configuration files: OK")
		os.Exit(0)
	}

	if params.background {
		if err := vdaemon.Daemon(vdaemon.StripFlag("-bg")); err != nil {
			mainLog.Exit(0, "%s", err)
		}
		os.Exit(0)
	}

	os.MkdirAll(paths.LockDir, 0755)
	lock, err := os.OpenFile(paths.ClientLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		mainLog.Exit(0, "%s", err)
	}
	defer lock.Close()

	if err := vdaemon.FileLock(lock, true, false); err != nil {
		if err == vdaemon.ErrLockIsBusy {
			mainLog.Exit(0, "vusb-client already running")
		}
		mainLog.Exit(0, "%s", err)
	}

	mainLog.Info(' ', "===============================")
	mainLog.Info(' ', "vusb-client started in %q mode, pid=%d", params.mode, os.Getpid())
	defer mainLog.Info(' ', "vusb-client finished")

	if params.mode != runDebug {
		if err := vdaemon.CloseStdInOutErr(); err != nil {
			mainLog.Exit(0, "%s", err)
		}
	}

	if cfg.ServerAddr == "" {
		mainLog.Exit(0, "no server address configured")
	}

	be := backend.NewGousb()
	runClient(mainLog, cfg, be)
}

// runClient dials the configured server, runs the session until it
// drops, and reconnects after cfg.ReconnectMs — matching the teacher's
// PnP loop's "keep trying, never give up on a transient failure" shape.
func runClient(log *vlog.Logger, cfg vconf.ClientConfig, be backend.Backend) {
	reconnect := time.Duration(cfg.ReconnectMs) * time.Millisecond
	if reconnect <= 0 {
		reconnect = 2 * time.Second
	}

	for {
		err := runOneSession(log, cfg, be)
		if err != nil {
			log.Error('!', "client: session ended: %s", err)
		}
		time.Sleep(reconnect)
	}
}

func runOneSession(log *vlog.Logger, cfg vconf.ClientConfig, be backend.Backend) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := client.Dial(ctx, cfg.ServerAddr, clientConfigToInternal(cfg), be, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	go sess.Watch(ctx)

	<-sess.Done()
	return nil
}
