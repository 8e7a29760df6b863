package sandbox

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/nexusshell/corectl/sandbox/capability"
	"github.com/nexusshell/corectl/sandbox/pivot"
	"github.com/nexusshell/corectl/sandbox/seccomp"
	"github.com/nexusshell/corectl/sandbox/userns"
)

// childInitArg is the argv[1] marker that tells a re-exec'd copy of this
// binary to run the child-side construction sequence instead of its normal
// main. Go gives no hook to run code between clone(2) and execve(2);
// re-exec'ing /proc/self/exe into a dedicated init path is the standard
// substitute, the same technique runc's libcontainer uses.
const childInitArg = "__corectl_sandbox_init__"

// IsChildInit reports whether args (typically os.Args) identifies this
// process invocation as the re-exec'd child-init path. A corectl-based main
// must check this before doing anything else and call RunChildInit if true.
func IsChildInit(args []string) bool {
	return len(args) > 1 && args[1] == childInitArg
}

// childConfig is everything the child-init path needs, computed once by
// Build in the parent and handed across fd 3 as a gob stream. It carries
// already-resolved mechanics (id mappings, a capability list, a compiled
// seccomp profile) rather than raw policy, so the child never re-derives
// decisions the parent already made.
type childConfig struct {
	UIDMappings []userns.IdMapping
	GIDMappings []userns.IdMapping

	Rootfs pivot.Plan

	DesiredCaps []capability.Cap
	Strict      bool

	Seccomp seccomp.Profile

	Hostname string

	TargetPath string
	TargetArgs []string
	TargetEnv  []string
	TargetDir  string
}

// Fds assigned on the child side via exec.Cmd.ExtraFiles, indexed from 3
// (0/1/2 are stdio). Keep these in one place since both sides must agree.
const (
	fdConfig = 3
	fdReady  = 4
	fdDone   = 5
)

func sendConfig(w *os.File, cfg childConfig) error {
	if err := gob.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("sandbox: encode child config: %w", err)
	}
	return w.Close()
}

func recvConfig(r *os.File) (childConfig, error) {
	var cfg childConfig
	if err := gob.NewDecoder(r).Decode(&cfg); err != nil {
		return childConfig{}, fmt.Errorf("sandbox: decode child config: %w", err)
	}
	return cfg, r.Close()
}

func signalByte(w *os.File) error {
	_, err := w.Write([]byte{1})
	return err
}

func waitByte(r *os.File) error {
	var b [1]byte
	_, err := r.Read(b[:])
	return err
}
