// Package seccomp compiles a syscall allow-list into an in-kernel BPF
// filter with thread-sync.
package seccomp

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"

	"github.com/nexusshell/corectl/errs"
)

// Action is the default action taken for a syscall not on the allow-list.
type Action int

const (
	// ActionErrno returns EPERM to the caller instead of executing the
	// syscall.
	ActionErrno Action = iota
	// ActionKillThread terminates the calling thread with SIGSYS.
	ActionKillThread
	// ActionKillProcess terminates the whole process with SIGSYS.
	ActionKillProcess
)

func (a Action) toLib() libseccomp.ScmpAction {
	switch a {
	case ActionKillThread:
		return libseccomp.ActKill
	case ActionKillProcess:
		return libseccomp.ActKillProcess
	default:
		return libseccomp.ActErrno.SetReturnCode(int16(1)) // EPERM
	}
}

// Profile is a (default-action, allow-list, architecture) triple.
type Profile struct {
	DefaultAction Action
	AllowSyscalls []string
	// Arch is the target architecture; zero value resolves to the
	// filter's native architecture.
	Arch libseccomp.ScmpArch
}

// Error reports which syscall name or which stage of filter construction
// failed. An unresolvable syscall name is a configuration error (fixable by
// the caller before relaunch); everything else is a kernel-surface failure.
type Error struct {
	Op      string
	Syscall string
	Err     error
	kind    error
}

func (e *Error) Error() string {
	if e.Syscall != "" {
		return fmt.Sprintf("seccomp %s(%s): %v", e.Op, e.Syscall, e.Err)
	}
	return fmt.Sprintf("seccomp %s: %v", e.Op, e.Err)
}
func (e *Error) Unwrap() error { return e.kind }

// Apply compiles the profile and loads it into the kernel for the current
// process: create a filter context with the default action, enable TSYNC
// so the filter binds every thread, resolve and allow each syscall, then
// load. Once loaded the filter is irrevocable for the process's lifetime.
func Apply(p Profile) error {
	arch := p.Arch
	if arch == 0 {
		arch = libseccomp.ArchNative
	}

	filter, err := libseccomp.NewFilter(p.DefaultAction.toLib())
	if err != nil {
		return &Error{Op: "new_filter", Err: err, kind: errs.ErrKernel}
	}
	defer filter.Release()

	if arch != libseccomp.ArchNative {
		if err := filter.AddArch(arch); err != nil {
			return &Error{Op: "add_arch", Err: err, kind: errs.ErrConfig}
		}
	}

	if err := filter.SetTsync(true); err != nil {
		return &Error{Op: "set_tsync", Err: err, kind: errs.ErrKernel}
	}

	for _, name := range p.AllowSyscalls {
		call, err := libseccomp.GetSyscallFromNameByArch(name, arch)
		if err != nil {
			return &Error{Op: "resolve_syscall", Syscall: name, Err: err, kind: errs.ErrConfig}
		}
		if err := filter.AddRule(call, libseccomp.ActAllow); err != nil {
			return &Error{Op: "add_rule", Syscall: name, Err: err, kind: errs.ErrKernel}
		}
	}

	if err := filter.Load(); err != nil {
		return &Error{Op: "load", Err: err, kind: errs.ErrKernel}
	}
	return nil
}
