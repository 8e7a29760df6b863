package seccomp

// defaultSafeSyscalls is the core of the default allow-list, grouped by
// category. Syscalls are listed by name, not number; resolution to the
// target architecture happens at filter-build time.
var defaultSafeSyscalls = []string{
	// Process lifecycle.
	"exit", "exit_group", "clone", "execve", "wait4", "waitid", "tgkill",

	// Memory.
	"mmap", "munmap", "mprotect", "brk", "madvise",

	// Filesystem I/O.
	"read", "write", "openat", "close", "lseek", "fstat", "newfstatat",
	"getdents64", "readlinkat", "unlinkat", "mkdirat", "fcntl", "ioctl",

	// Signals.
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
	"rt_sigpending", "rt_sigtimedwait", "rt_sigqueueinfo", "rt_tgsigqueueinfo",

	// Futexes and scheduling.
	"futex", "sched_yield", "sched_getaffinity", "sched_setaffinity",
	"sched_getparam", "sched_setparam", "sched_getscheduler",
	"sched_setscheduler", "nanosleep",

	// Identity.
	"getuid", "geteuid", "getgid", "getegid", "getpid", "gettid",

	// Basic network.
	"socket", "bind", "connect", "accept", "sendto", "recvfrom", "sendmsg",
	"recvmsg",
}

// extraSyscalls rounds out the allow-list with syscalls every realistically
// useful sandboxed binary ends up making: dynamic linking, epoll-based
// I/O, pipes, timers.
var extraSyscalls = []string{
	"access", "faccessat", "arch_prctl", "set_tid_address", "set_robust_list",
	"prlimit64", "getrlimit", "uname", "getrandom", "pipe2", "dup", "dup2",
	"dup3", "epoll_create1", "epoll_ctl", "epoll_pwait", "epoll_wait",
	"eventfd2", "poll", "ppoll", "pselect6", "select", "fadvise64",
	"getcwd", "chdir", "fchdir", "statx", "pread64", "pwrite64", "readv",
	"writev", "fsync", "fdatasync", "flock", "sysinfo", "clock_gettime",
	"clock_nanosleep", "gettimeofday", "time", "getrusage", "getpriority",
	"setpriority", "getpgrp", "getpgid", "setpgid", "getsid", "setsid",
	"capget", "capset", "prctl", "restart_syscall",
}

// ptraceSyscall is withheld from DefaultSafe: omission denies it, and a
// caller debugging a workload opts in explicitly.
const ptraceSyscall = "ptrace"

// DefaultSafe returns the default-deny profile: errno (EPERM) for anything
// not on the allow-list. allowPtrace adds ptrace to the allow-list for
// interactive-debugging sandboxes; it is false for every production
// caller.
func DefaultSafe(allowPtrace bool) Profile {
	syscalls := make([]string, 0, len(defaultSafeSyscalls)+len(extraSyscalls)+1)
	syscalls = append(syscalls, defaultSafeSyscalls...)
	syscalls = append(syscalls, extraSyscalls...)
	if allowPtrace {
		syscalls = append(syscalls, ptraceSyscall)
	}
	return Profile{
		DefaultAction: ActionErrno,
		AllowSyscalls: syscalls,
	}
}
