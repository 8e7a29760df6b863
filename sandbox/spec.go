// Package sandbox orchestrates the five leaf components — user-namespace
// mapping, pivot-root, cgroup attachment, capability reduction, and seccomp
// filtering — into a single construction sequence producing an isolated
// child process for a target executable.
package sandbox

import (
	"os"
	"os/exec"

	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nexusshell/corectl/sandbox/capability"
	"github.com/nexusshell/corectl/sandbox/cgroup"
	"github.com/nexusshell/corectl/sandbox/pivot"
	"github.com/nexusshell/corectl/sandbox/seccomp"
	"github.com/nexusshell/corectl/sandbox/userns"
)

// Policy is the caller-supplied sandbox configuration: id mappings,
// rootfs plan, resource caps, and the capability/seccomp posture.
// Resources and capabilities reuse the OCI runtime-spec shapes rather
// than inventing new ones.
type Policy struct {
	UIDMappings []userns.IdMapping
	GIDMappings []userns.IdMapping

	Rootfs pivot.Plan

	CgroupfsMount string
	CgroupPath    string
	Resources     *specs.LinuxResources

	Capabilities *specs.LinuxCapabilities

	// Strict promotes a bounding-set drop failure in the capability
	// reducer from best-effort-ignored to fatal.
	Strict bool

	// AllowPtrace adds ptrace to the seccomp allow-list.
	AllowPtrace bool

	// Hostname is applied in the new UTS namespace; empty leaves the
	// host's name inherited.
	Hostname string
}

// BuildSpec is everything Build needs: the target executable and the
// policy to enforce around it.
type BuildSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Policy Policy

	// TTY requests that the sandboxed process's stdio be a pseudo-terminal
	// allocated by the Builder instead of inherited host stdio. The
	// Builder exposes the pty master through Sandbox.PTY once Build
	// returns; the caller (typically the CLI) drives host-terminal raw
	// mode and I/O copying around it.
	TTY bool
}

// Sandbox is a live, exec'd child process under the policy's constraints.
type Sandbox struct {
	cmd    *exec.Cmd
	cgroup *cgroup.Node
	pty    *os.File
}

// PTY returns the host-side pty master allocated for this sandbox when its
// BuildSpec requested TTY, or nil otherwise. The caller owns copying bytes
// between it and a real terminal; Destroy closes it.
func (s *Sandbox) PTY() *os.File { return s.pty }

// Pid returns the sandboxed child's PID as seen from this process's PID
// namespace.
func (s *Sandbox) Pid() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Wait blocks until the sandboxed child exits.
func (s *Sandbox) Wait() error {
	return s.cmd.Wait()
}

// Destroy tears down resources the Sandbox owns: it does not kill the
// child (callers that want that call Wait or Process.Kill themselves) but
// it does close the pty master, if any, and delete the cgroup node, which
// requires the child to have already exited per cgroup v2 semantics.
func (s *Sandbox) Destroy() error {
	if s.pty != nil {
		s.pty.Close()
	}
	if s.cgroup == nil {
		return nil
	}
	return s.cgroup.Delete()
}

func toCgroupResources(r *specs.LinuxResources) cgroup.Resources {
	var res cgroup.Resources
	if r == nil {
		return res
	}
	if r.Memory != nil && r.Memory.Limit != nil {
		res.MemoryMaxBytes = r.Memory.Limit
	}
	if r.CPU != nil {
		if r.CPU.Quota != nil {
			res.CPUQuotaUS = r.CPU.Quota
		}
		if r.CPU.Period != nil {
			res.CPUPeriodUS = r.CPU.Period
		}
	}
	if r.Pids != nil {
		limit := r.Pids.Limit
		res.PidsMax = &limit
	}
	return res
}

// toDesiredCaps flattens an OCI LinuxCapabilities struct into the single
// desired-retained list RetainOnly expects: the union of every set the
// caller named, since RetainOnly re-derives all four kernel sets from one
// list.
func toDesiredCaps(c *specs.LinuxCapabilities) []capability.Cap {
	if c == nil {
		return nil
	}
	seen := map[capability.Cap]bool{}
	var out []capability.Cap
	for _, group := range [][]string{c.Effective, c.Permitted, c.Inheritable, c.Bounding} {
		for _, name := range group {
			cap, ok := capability.ParseName(name)
			if !ok || seen[cap] {
				continue
			}
			seen[cap] = true
			out = append(out, cap)
		}
	}
	return out
}
