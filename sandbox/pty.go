package sandbox

import (
	"fmt"
	"os"

	"github.com/kr/pty"

	"github.com/nexusshell/corectl/errs"
)

// allocatePTY opens a host pseudo-terminal pair for a sandboxed process
// that wants an interactive session. There is no separate shim process to
// hand a console fd across, so the pair is opened directly by the Builder:
// the master stays with the parent for the CLI to drive, the slave becomes
// the re-exec'd child's stdio.
func allocatePTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open pty: %v", errs.ErrKernel, err)
	}
	return master, slave, nil
}
