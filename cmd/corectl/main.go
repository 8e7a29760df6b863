// Binary corectl is a thin demonstration CLI over the sandbox constructor
// and the distributed transfer engine. It is not a shell, a container
// image tool, or a registry client.
package main

import (
	"os"

	"github.com/nexusshell/corectl/sandbox"
)

func main() {
	// A re-exec'd copy of this binary used as the namespace/capability/
	// seccomp setup path never reaches subcommand dispatch — see
	// sandbox.RunChildInit's doc comment for why this must be the very
	// first thing main does.
	if sandbox.IsChildInit(os.Args) {
		sandbox.RunChildInit()
		return
	}
	Main()
}
