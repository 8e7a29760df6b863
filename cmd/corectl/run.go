package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nexusshell/corectl/logging"
	"github.com/nexusshell/corectl/sandbox"
	"github.com/nexusshell/corectl/sandbox/pivot"
	"github.com/nexusshell/corectl/sandbox/userns"
)

type runCommand struct {
	rootfs        string
	hostname      string
	uidMap        string
	gidMap        string
	memoryLimitMB int64
	cpuQuotaUS    int64
	cpuPeriodUS   int64
	pidsMax       int64
	caps          string
	strict        bool
	allowPtrace   bool
	tty           bool
	cgroupfs      string
	cgroupPath    string
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "construct a sandbox and execve a target inside it" }
func (*runCommand) Usage() string {
	return "run [flags] -- <path> [args...]\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.rootfs, "rootfs", "", "path to the new root filesystem (required)")
	f.StringVar(&c.hostname, "hostname", "", "hostname to set in the new UTS namespace")
	f.StringVar(&c.uidMap, "uid-map", "0:0:1", "container:host:length, comma-separated for multiple ranges")
	f.StringVar(&c.gidMap, "gid-map", "0:0:1", "container:host:length, comma-separated for multiple ranges")
	f.Int64Var(&c.memoryLimitMB, "memory-mb", 0, "memory.max in MiB (0 = unset)")
	f.Int64Var(&c.cpuQuotaUS, "cpu-quota-us", 0, "cpu.max quota in microseconds (0 = unset)")
	f.Int64Var(&c.cpuPeriodUS, "cpu-period-us", 100000, "cpu.max period in microseconds")
	f.Int64Var(&c.pidsMax, "pids-max", 0, "pids.max (0 = unset)")
	f.StringVar(&c.caps, "caps", "CAP_CHOWN,CAP_DAC_OVERRIDE,CAP_SETUID,CAP_SETGID", "comma-separated capabilities to retain")
	f.BoolVar(&c.strict, "strict", false, "fail closed if the bounding-set reduction cannot be applied")
	f.BoolVar(&c.allowPtrace, "allow-ptrace", false, "add ptrace to the seccomp allow-list")
	f.BoolVar(&c.tty, "tty", false, "allocate a pty and attach it to the host terminal")
	f.StringVar(&c.cgroupfs, "cgroupfs", "/sys/fs/cgroup", "cgroup v2 mount point")
	f.StringVar(&c.cgroupPath, "cgroup-path", "corectl/default", "relative cgroup v2 node path")
}

func (c *runCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.rootfs == "" || f.NArg() == 0 {
		fmt.Fprintln(flag.CommandLine.Output(), c.Usage())
		return subcommands.ExitUsageError
	}

	uidMappings, err := parseIDMappings(c.uidMap)
	if err != nil {
		logging.Sandbox.WithError(err).Error("parse uid-map")
		return subcommands.ExitFailure
	}
	gidMappings, err := parseIDMappings(c.gidMap)
	if err != nil {
		logging.Sandbox.WithError(err).Error("parse gid-map")
		return subcommands.ExitFailure
	}

	resources := &specs.LinuxResources{}
	if c.memoryLimitMB > 0 {
		limit := c.memoryLimitMB * 1024 * 1024
		resources.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	if c.cpuQuotaUS > 0 {
		period := uint64(c.cpuPeriodUS)
		resources.CPU = &specs.LinuxCPU{Quota: &c.cpuQuotaUS, Period: &period}
	}
	if c.pidsMax > 0 {
		resources.Pids = &specs.LinuxPids{Limit: c.pidsMax}
	}

	capList := strings.Split(c.caps, ",")
	capabilities := &specs.LinuxCapabilities{
		Effective:   capList,
		Permitted:   capList,
		Inheritable: capList,
		Bounding:    capList,
	}

	spec := sandbox.BuildSpec{
		Path: f.Arg(0),
		Args: f.Args()[1:],
		Env:  []string{"PATH=/usr/bin:/bin"},
		Policy: sandbox.Policy{
			UIDMappings:   uidMappings,
			GIDMappings:   gidMappings,
			Rootfs:        pivot.Plan{NewRoot: c.rootfs},
			CgroupfsMount: c.cgroupfs,
			CgroupPath:    c.cgroupPath,
			Resources:     resources,
			Capabilities:  capabilities,
			Strict:        c.strict,
			AllowPtrace:   c.allowPtrace,
			Hostname:      c.hostname,
		},
		TTY: c.tty,
	}

	builder := &sandbox.Builder{CgroupfsMount: c.cgroupfs}
	sb, err := builder.Build(ctx, spec)
	if err != nil {
		logging.Sandbox.WithError(err).Error("build sandbox")
		return subcommands.ExitFailure
	}
	defer sb.Destroy()

	if c.tty {
		restore, err := attachTTY(sb)
		if err != nil {
			logging.Sandbox.WithError(err).Warn("attach tty")
		}
		defer restore()
	}

	if err := sb.Wait(); err != nil {
		logging.Sandbox.WithError(err).Warn("sandboxed process exited with error")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// parseIDMappings parses "cid:hid:len[,cid:hid:len...]" into IdMappings.
func parseIDMappings(s string) ([]userns.IdMapping, error) {
	var out []userns.IdMapping
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid id mapping %q: want cid:hid:len", part)
		}
		var cid, hid, length uint32
		if _, err := fmt.Sscanf(fields[0], "%d", &cid); err != nil {
			return nil, fmt.Errorf("invalid container id in %q: %v", part, err)
		}
		if _, err := fmt.Sscanf(fields[1], "%d", &hid); err != nil {
			return nil, fmt.Errorf("invalid host id in %q: %v", part, err)
		}
		if _, err := fmt.Sscanf(fields[2], "%d", &length); err != nil {
			return nil, fmt.Errorf("invalid length in %q: %v", part, err)
		}
		out = append(out, userns.IdMapping{ContainerID: cid, HostID: hid, Length: length})
	}
	return out, nil
}
