// Package cgroup creates and manipulates cgroup v2 nodes: writing resource
// caps, attaching tasks, and deleting the node on teardown. It targets
// cgroup v2 exclusively — a single unified hierarchy — and never fabricates
// its own path outside the declared mount point; callers supply the
// relative sub-path so nesting and cleanup policy live with them.
package cgroup

import (
	"fmt"
	"strings"

	cgroupsv2 "github.com/containerd/cgroups/v2"

	"github.com/nexusshell/corectl/errs"
)

// Resources holds the optional resource caps for a node. A nil field leaves
// the kernel default untouched.
type Resources struct {
	MemoryMaxBytes *int64
	CPUQuotaUS     *int64
	CPUPeriodUS    *uint64
	PidsMax        *int64
}

func (r Resources) toLib() *cgroupsv2.Resources {
	res := &cgroupsv2.Resources{}
	if r.MemoryMaxBytes != nil {
		res.Memory = &cgroupsv2.Memory{Max: r.MemoryMaxBytes}
	}
	if r.CPUQuotaUS != nil || r.CPUPeriodUS != nil {
		res.CPU = &cgroupsv2.CPU{Max: cgroupsv2.NewCPUMax(r.CPUQuotaUS, r.CPUPeriodUS)}
	}
	if r.PidsMax != nil {
		res.Pids = &cgroupsv2.Pids{Max: *r.PidsMax}
	}
	return res
}

// Error reports a cgroup-controller failure. Kernel-surface failures (the
// controller couldn't write an interface file, couldn't attach a task)
// wrap errs.ErrKernel; a caller asking for a relative path with a ".."
// element, which would leave the mount, instead gets errs.ErrConfig.
type Error struct {
	Op   string
	Path string
	Err  error
	kind error
}

func (e *Error) Error() string { return fmt.Sprintf("cgroup %s(%s): %v", e.Op, e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.kind }

// Node is a created cgroup v2 directory with task attachment and resource
// controls. A Node must be Delete()d by the caller once its last attached
// task has exited; Delete fails if tasks or child nodes remain, by cgroup
// v2 kernel semantics.
type Node struct {
	mgr          *cgroupsv2.Manager
	mount        string
	group        string
	relativePath string
}

// Create makes (or loads, if it already exists) a cgroup v2 node at
// relativePath under mount (typically "/sys/fs/cgroup"), applying the given
// resource caps. relativePath is interpreted the way the caller intends —
// typically "<prefix>/<container-id>" — and is never invented here.
func Create(mount, relativePath string, resources Resources) (*Node, error) {
	for _, elem := range strings.Split(relativePath, "/") {
		if elem == ".." {
			return nil, &Error{"create", relativePath, fmt.Errorf("path leaves the cgroup mount"), errs.ErrConfig}
		}
	}
	group := relativePath
	if len(group) == 0 || group[0] != '/' {
		group = "/" + group
	}
	mgr, err := cgroupsv2.NewManager(mount, group, resources.toLib())
	if err != nil {
		return nil, &Error{"create", relativePath, err, errs.ErrKernel}
	}
	return &Node{mgr: mgr, mount: mount, group: group, relativePath: relativePath}, nil
}

// Attach adds a task (by PID/TGID) to the cgroup.
func (n *Node) Attach(pid int) error {
	if err := n.mgr.AddProc(uint64(pid)); err != nil {
		return &Error{"attach", n.relativePath, err, errs.ErrKernel}
	}
	return nil
}

// Apply rewrites the node's resource caps. NewManager against an existing
// group re-writes its interface files from the given resources, so a fresh
// manager over the same path is the library's update path.
func (n *Node) Apply(resources Resources) error {
	mgr, err := cgroupsv2.NewManager(n.mount, n.group, resources.toLib())
	if err != nil {
		return &Error{"apply", n.relativePath, err, errs.ErrKernel}
	}
	n.mgr = mgr
	return nil
}

// MemoryUsageBytes reads memory.current via the controller's stat
// interface.
func (n *Node) MemoryUsageBytes() (uint64, error) {
	stat, err := n.mgr.Stat()
	if err != nil {
		return 0, &Error{"stat", n.relativePath, err, errs.ErrKernel}
	}
	if stat.Memory == nil {
		return 0, nil
	}
	return stat.Memory.Usage, nil
}

// SetMemoryLimit rewrites memory.max alone.
func (n *Node) SetMemoryLimit(bytes int64) error {
	return n.Apply(Resources{MemoryMaxBytes: &bytes})
}

// SetCPUQuota rewrites cpu.max as "quota period".
func (n *Node) SetCPUQuota(quotaUS, periodUS int64) error {
	period := uint64(periodUS)
	return n.Apply(Resources{CPUQuotaUS: &quotaUS, CPUPeriodUS: &period})
}

// SetPidsMax rewrites pids.max.
func (n *Node) SetPidsMax(max int64) error {
	return n.Apply(Resources{PidsMax: &max})
}

// Delete removes the cgroup node. It fails unless the node has no member
// tasks and no child nodes; callers must tear down children first.
func (n *Node) Delete() error {
	if err := n.mgr.Delete(); err != nil {
		return &Error{"delete", n.relativePath, err, errs.ErrKernel}
	}
	return nil
}

// Path returns the relative path the caller supplied to Create.
func (n *Node) Path() string { return n.relativePath }
