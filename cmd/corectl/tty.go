package main

import (
	"io"
	"os"

	"github.com/containerd/console"

	"github.com/nexusshell/corectl/logging"
	"github.com/nexusshell/corectl/sandbox"
)

// attachTTY puts the host's current console into raw mode and pumps bytes
// between it and the sandbox's pty master for the lifetime of the caller's
// wait on sb. It returns a restore function the caller must invoke once
// the sandboxed process exits, even on error paths.
func attachTTY(sb *sandbox.Sandbox) (restore func(), err error) {
	master := sb.PTY()
	if master == nil {
		return func() {}, nil
	}

	current := console.Current()
	if err := current.SetRaw(); err != nil {
		return func() {}, err
	}

	done := make(chan struct{})
	go func() {
		io.Copy(master, os.Stdin)
		close(done)
	}()
	go func() {
		io.Copy(os.Stdout, master)
	}()

	return func() {
		_ = current.Reset()
		select {
		case <-done:
		default:
		}
		logging.Sandbox.Debug("tty attach loop torn down")
	}, nil
}
