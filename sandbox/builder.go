package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nexusshell/corectl/errs"
	"github.com/nexusshell/corectl/logging"
	"github.com/nexusshell/corectl/sandbox/cgroup"
	"github.com/nexusshell/corectl/sandbox/seccomp"
)

// Builder constructs sandboxes. Its zero value is ready to use; it exists
// as a named type (rather than a bare function) so callers can attach
// defaults such as a shared cgroupfs mount point.
type Builder struct {
	// CgroupfsMount overrides config.Config.CgroupfsMount for sandboxes
	// built through this Builder; empty uses "/sys/fs/cgroup".
	CgroupfsMount string
}

// Build ties the five leaf components — user-namespace mapper, pivot-root,
// cgroup attachment, capability reducer, seccomp loader — plus re-exec and
// an execve handoff into one construction sequence.
//
// The sequence, split across the parent/child boundary a clone()+execve()
// re-exec imposes in Go:
//
//	parent: start re-exec'd child (already in new UTS/PID/NET/IPC/mount
//	        namespaces via Cloneflags) → create+attach cgroup node →
//	        signal ready
//	child:  unshare+map user namespace → make mount tree private → wait for
//	        ready → pivot-root → bring up loopback → reduce capabilities →
//	        load seccomp filter → signal done → execve(target)
func (b *Builder) Build(ctx context.Context, spec BuildSpec) (*Sandbox, error) {
	mount := b.CgroupfsMount
	if mount == "" {
		mount = "/sys/fs/cgroup"
	}

	log := logging.Sandbox.WithField("target", spec.Path)

	cfg := childConfig{
		UIDMappings: spec.Policy.UIDMappings,
		GIDMappings: spec.Policy.GIDMappings,
		Rootfs:      spec.Policy.Rootfs,
		DesiredCaps: toDesiredCaps(spec.Policy.Capabilities),
		Strict:      spec.Policy.Strict,
		Seccomp:     seccomp.DefaultSafe(spec.Policy.AllowPtrace),
		Hostname:    spec.Policy.Hostname,
		TargetPath:  spec.Path,
		TargetArgs:  spec.Args,
		TargetEnv:   spec.Env,
		TargetDir:   spec.Dir,
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: config pipe: %v", errs.ErrKernel, err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ready pipe: %v", errs.ErrKernel, err)
	}
	doneR, doneW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: done pipe: %v", errs.ErrKernel, err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve self executable: %v", errs.ErrKernel, err)
	}

	cmd := exec.CommandContext(ctx, self, childInitArg)

	cloneflags := uintptr(unix.CLONE_NEWUTS | unix.CLONE_NEWPID | unix.CLONE_NEWNET |
		unix.CLONE_NEWIPC | unix.CLONE_NEWNS)

	var ptyMaster *os.File
	if spec.TTY {
		master, slave, err := allocatePTY()
		if err != nil {
			return nil, err
		}
		defer slave.Close()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Cloneflags: cloneflags,
			Setsid:     true,
			Setctty:    true,
		}
		ptyMaster = master
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: cloneflags}
	}
	cmd.ExtraFiles = []*os.File{configR, readyR, doneW}

	if err := cmd.Start(); err != nil {
		configR.Close()
		configW.Close()
		readyR.Close()
		readyW.Close()
		doneR.Close()
		doneW.Close()
		if ptyMaster != nil {
			ptyMaster.Close()
		}
		return nil, fmt.Errorf("%w: start re-exec'd child: %v", errs.ErrKernel, err)
	}

	// The child now owns dup'd copies of these three fds; the parent's
	// copies of the child's ends are no longer needed.
	configR.Close()
	readyR.Close()
	doneW.Close()

	if err := sendConfig(configW, cfg); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	node, err := cgroup.Create(mount, spec.Policy.CgroupPath, toCgroupResources(spec.Policy.Resources))
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := node.Attach(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	if err := signalByte(readyW); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: signal child ready: %v", errs.ErrKernel, err)
	}
	readyW.Close()

	if err := waitByte(doneR); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: wait for child done signal: %v", errs.ErrKernel, err)
	}
	doneR.Close()

	log.WithField("pid", cmd.Process.Pid).Info("sandbox constructed")

	return &Sandbox{cmd: cmd, cgroup: node, pty: ptyMaster}, nil
}
