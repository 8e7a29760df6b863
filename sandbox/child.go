package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nexusshell/corectl/logging"
	"github.com/nexusshell/corectl/sandbox/capability"
	"github.com/nexusshell/corectl/sandbox/pivot"
	"github.com/nexusshell/corectl/sandbox/seccomp"
	"github.com/nexusshell/corectl/sandbox/userns"
)

// RunChildInit is the child-side half of the sandbox construction
// sequence. It never returns on success — it ends the process image by
// execve'ing the target binary. On failure it logs and exits non-zero,
// since by this point there is no parent call frame left to return an error
// to; the parent instead observes the re-exec'd process's exit status and
// the done-pipe never signaling.
//
// RunChildInit must be the first thing a corectl main does, before
// anything else initializes goroutines or background threads: the
// namespace, capability, and seccomp operations below are only reliably
// meaningful while this OS thread is the process's only one. LockOSThread
// pins the calling goroutine to its OS thread for the rest of this
// process's life, which is the pure-Go mitigation for that requirement —
// runc's C nsenter shim instead hooks in before the Go runtime starts at
// all, a lower-level trick this module does not attempt.
func RunChildInit() {
	runtime.LockOSThread()

	log := logging.Sandbox.WithField("phase", "child_init")

	cfgFile := os.NewFile(fdConfig, "corectl-config")
	readyFile := os.NewFile(fdReady, "corectl-ready")
	doneFile := os.NewFile(fdDone, "corectl-done")

	cfg, err := recvConfig(cfgFile)
	if err != nil {
		log.WithError(err).Fatal("receive child config")
	}

	if err := userns.ApplyMappings(cfg.UIDMappings, cfg.GIDMappings); err != nil {
		log.WithError(err).Fatal("apply user namespace mappings")
	}

	// Make the entire pre-existing mount tree private and recursive before
	// any filesystem work, so nothing the sandbox does can leak mount
	// events back to the host's mount namespace. This must follow the user
	// namespace setup and precede pivot-root.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		log.WithError(err).Fatal("make mount tree private")
	}

	if cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			log.WithError(err).Fatal("set hostname")
		}
	}

	// Block until the parent confirms it has attached this process to the
	// pre-created cgroup node. Attachment must land before pivot-root and
	// the privilege drops below; this is the synchronization point that
	// guarantees it already has.
	if err := waitByte(readyFile); err != nil {
		log.WithError(err).Fatal("wait for parent ready signal")
	}

	if err := pivot.Pivot(cfg.Rootfs); err != nil {
		log.WithError(err).Fatal("pivot root")
	}

	if err := bringUpLoopback(); err != nil {
		// Loopback bring-up is a convenience for the transfer engine's local
		// transports, not a security boundary; failure here is logged, not
		// fatal, since a sandbox without network use has no need for it.
		log.WithError(err).Warn("bring up loopback interface")
	}

	if err := capability.RetainOnly(cfg.DesiredCaps, cfg.Strict); err != nil {
		log.WithError(err).Fatal("reduce capabilities")
	}

	if err := seccomp.Apply(cfg.Seccomp); err != nil {
		log.WithError(err).Fatal("load seccomp filter")
	}

	if err := signalByte(doneFile); err != nil {
		log.WithError(err).Fatal("signal parent before exec")
	}
	doneFile.Close()

	if cfg.TargetDir != "" {
		if err := unix.Chdir(cfg.TargetDir); err != nil {
			log.WithError(err).Fatal("chdir to target working directory")
		}
	}

	argv := append([]string{cfg.TargetPath}, cfg.TargetArgs...)
	if err := syscall.Exec(cfg.TargetPath, argv, cfg.TargetEnv); err != nil {
		log.WithError(err).Fatal("execve target")
	}
	// unreachable: syscall.Exec only returns on error.
	fmt.Fprintln(os.Stderr, "corectl: unreachable return from execve")
	os.Exit(1)
}
