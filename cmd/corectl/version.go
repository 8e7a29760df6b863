package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// version is set at release time via -ldflags; "dev" covers local builds.
var version = "dev"

type versionCommand struct{}

func (*versionCommand) Name() string     { return "version" }
func (*versionCommand) Synopsis() string { return "print corectl's version" }
func (*versionCommand) Usage() string    { return "version\n" }

func (*versionCommand) SetFlags(_ *flag.FlagSet) {}

func (*versionCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fmt.Println(version)
	return subcommands.ExitSuccess
}
