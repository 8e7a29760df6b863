package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/nexusshell/corectl/logging"
)

// Main registers every subcommand and dispatches: user-facing commands in
// the default group, helpers under named groups.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&sendCommand{}, "")
	subcommands.Register(&recvCommand{}, "")

	const debugGroup = "debug"
	subcommands.Register(&versionCommand{}, debugGroup)

	jsonLogs := flag.Bool("log-json", false, "emit structured logs as JSON instead of text")
	flag.Parse()
	logging.SetJSON(*jsonLogs)

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
