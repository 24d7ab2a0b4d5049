// Package main is the entry point for cargoproc.
package main

import (
	"os"

	"github.com/dshills/cargoproc/internal/commands"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(commands.Execute(commands.VersionInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}, os.Args[1:], os.Stdout, os.Stderr))
}
