// Package userns establishes id mappings for a sandboxed process's user
// namespace and disables setgroups before dropping into unprivileged
// container identities.
//
// ApplyMappings must run inside the child while it is still effectively
// single-threaded; it unshares CLONE_NEWUSER itself before writing the
// maps. The capability and seccomp steps that follow depend on the same
// single-threaded invariant.
package userns

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nexusshell/corectl/errs"
)

// IdMapping is one (container_id, host_id, length) triple, written verbatim
// to /proc/self/{uid,gid}_map.
type IdMapping struct {
	ContainerID uint32
	HostID      uint32
	Length      uint32
}

// Step identifies which of the ordered sub-operations failed, so callers
// can diagnose a partially-applied namespace.
type Step string

const (
	StepUnshare        Step = "unshare_user_namespace"
	StepWriteGIDMap    Step = "write_gid_map"
	StepDenySetgroups  Step = "deny_setgroups"
	StepSetGID         Step = "set_container_gid"
	StepSetUID         Step = "set_container_uid"
	StepWriteUIDMap    Step = "write_uid_map"
)

// Error wraps errs.ErrKernel with the step that failed.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("userns: %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return errs.ErrKernel }

func (e *Error) Cause() error { return e.Err }

// ApplyMappings enters a new user namespace and applies the id mappings in
// strict order. Unprivileged callers must write the GID map and deny
// setgroups before the UID map can be written; reversing the order fails
// on kernels enforcing the setgroups-deny rule.
func ApplyMappings(uidMappings, gidMappings []IdMapping) error {
	if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
		return &Error{StepUnshare, err}
	}

	if err := writeIDMap("/proc/self/gid_map", gidMappings); err != nil {
		return &Error{StepWriteGIDMap, err}
	}

	if err := denySetgroups(); err != nil {
		return &Error{StepDenySetgroups, err}
	}

	if len(gidMappings) > 0 {
		if err := unix.Setgid(int(gidMappings[0].ContainerID)); err != nil {
			return &Error{StepSetGID, err}
		}
	}

	if len(uidMappings) > 0 {
		if err := unix.Setuid(int(uidMappings[0].ContainerID)); err != nil {
			return &Error{StepSetUID, err}
		}
	}

	if err := writeIDMap("/proc/self/uid_map", uidMappings); err != nil {
		return &Error{StepWriteUIDMap, err}
	}

	return nil
}

func denySetgroups() error {
	f, err := os.OpenFile("/proc/self/setgroups", os.O_WRONLY, 0)
	if err != nil {
		// Absence of this file means the kernel predates the setgroups-deny
		// rule; unprivileged GID mapping wasn't gated on it either.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte("deny"))
	return err
}

func writeIDMap(path string, mappings []IdMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf []byte
	for _, m := range mappings {
		buf = append(buf, []byte(fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Length))...)
	}
	_, err = f.Write(buf)
	return err
}
