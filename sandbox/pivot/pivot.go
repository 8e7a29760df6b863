// Package pivot performs the bind-mount / pivot / detach / cleanup dance
// that swaps a sandboxed process's root filesystem.
package pivot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nexusshell/corectl/errs"
)

// Plan names the new root and the directory, created inside it, that the
// old root is moved to before being detached.
type Plan struct {
	NewRoot     string
	OldRootName string
}

// Error reports which pivot-root sub-step failed.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("pivot: %s: %v", e.Step, e.Err) }
func (e *Error) Unwrap() error { return errs.ErrKernel }

// Pivot executes the full root swap. A failure at any step leaves a
// partially configured mount namespace; callers must treat that as fatal
// for the child and must not attempt to continue execution.
func Pivot(plan Plan) error {
	newRoot := plan.NewRoot
	oldRootName := plan.OldRootName
	if oldRootName == "" {
		oldRootName = ".corectl-oldroot"
	}

	// (a) Bind-mount new_root onto itself, recursively, so it is a genuine
	// mount point — pivot_root(2) requires new_root to already be one.
	if err := unix.Mount(newRoot, newRoot, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return &Error{"bind_mount_new_root", err}
	}

	// (b) Make that mount private and recursive so later mount/unmount
	// events inside the sandbox never propagate back to the host.
	if err := unix.Mount("", newRoot, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return &Error{"make_private", err}
	}

	oldRootPath := filepath.Join(newRoot, oldRootName)

	// (c) Create the directory the old root will be relocated to.
	if err := os.Mkdir(oldRootPath, 0700); err != nil && !os.IsExist(err) {
		return &Error{"mkdir_old_root", err}
	}

	// (d) Swap the root filesystem.
	if err := unix.PivotRoot(newRoot, oldRootPath); err != nil {
		return &Error{"pivot_root", err}
	}

	// (e) cd to the new root.
	if err := unix.Chdir("/"); err != nil {
		return &Error{"chdir", err}
	}

	// (f) Lazily unmount the old root — filesystems under it may still be
	// referenced by open file descriptors, so MNT_DETACH rather than a
	// synchronous unmount.
	oldRootRelative := "/" + oldRootName
	if err := unix.Unmount(oldRootRelative, unix.MNT_DETACH); err != nil {
		return &Error{"detach_old_root", err}
	}

	// (g) Remove the now-empty stub directory.
	if err := os.Remove(oldRootRelative); err != nil {
		return &Error{"remove_old_root_dir", err}
	}

	return nil
}
