//go:build !windows

/* vusb - USB-over-network bridge
 *
 * Demonization
 */

// Package vdaemon implements self-fork background mode (the "-bg" flag
// on both vusbd and vusb-client) and single-instance file locking.
package vdaemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode"
)

// #include <unistd.h>
import "C"

// CloseStdInOutErr closes stdin/stdout/stderr handles, redirecting them
// to /dev/null. Called by the backgrounded child after it reports a
// clean startup.
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}

	defer syscall.Close(nul)

	// syscall.Dup2 is not implemented on old Go versions for ARM64
	// Linux, so C.dup2 is used as a portable workaround
	C.dup2(C.int(nul), 0)
	C.dup2(C.int(nul), 1)
	C.dup2(C.int(nul), 2)

	return nil
}

// Daemon re-executes the current program in the background, waits for
// it to either report a startup error on stderr or fall silent (in
// which case it is assumed to be running), and returns to the caller.
// argFilter, if non-nil, is applied to os.Args before they are passed
// to the child — used to strip the "-bg" flag that triggered this call.
func Daemon(argFilter func([]string) []string) error {
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	args := os.Args
	if argFilter != nil {
		args = argFilter(args)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return err
	}

	proc, err := os.StartProcess(exe, args, attr)
	if err != nil {
		return err
	}

	wstdout.Close()
	wstderr.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	io.Copy(stdout, rstdout)
	io.Copy(stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() > 0 {
		s := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill()
		return errors.New(s)
	}

	proc.Release()

	return nil
}

// StripFlag returns an argFilter for Daemon that removes every
// occurrence of flag from args
func StripFlag(flag string) func([]string) []string {
	return func(args []string) []string {
		out := make([]string, 0, len(args))
		for _, arg := range args {
			if arg != flag {
				out = append(out, arg)
			}
		}
		return out
	}
}
