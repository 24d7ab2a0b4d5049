// Package commands implements the cargoproc command line.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dshills/cargoproc/internal/app"
	"github.com/dshills/cargoproc/internal/catalog"
	"github.com/dshills/cargoproc/internal/frontend/console"
)

// Exit codes used besides the child's own.
const (
	ExitFailure     = 1
	ExitInterrupted = 130
)

// VersionInfo is set by the linker in main.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// ExitError carries the process exit code of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps the error returned by the root command to an exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	dir        string
	logLevel   string
	pty        bool
	color      string
}

func (g *globalOptions) appOptions() app.Options {
	return app.Options{
		ConfigPath: g.configPath,
		Dir:        g.dir,
		LogLevel:   g.logLevel,
		PTY:        g.pty,
	}
}

// colorMode resolves --color for w.
func (g *globalOptions) colorMode(w io.Writer) (console.ColorMode, error) {
	mode, err := console.ParseColorMode(g.color)
	if err != nil {
		return mode, err
	}
	if mode != console.ColorAuto {
		return mode, nil
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return console.ColorAlways, nil
	}
	return console.ColorNever, nil
}

// NewRootCommand creates the root command.
func NewRootCommand(info VersionInfo) *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "cargoproc",
		Short: "Run cargo tasks and stream their output",
		Long: `cargoproc runs cargo subcommands as named tasks, streams their output with
errors and warnings highlighted, and reports how each run ended.

Arguments after -- are passed to cargo unchanged.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "Path to configuration file")
	flags.StringVarP(&g.dir, "dir", "C", "", "Run as if started in this directory")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&g.pty, "pty", false, "Attach tasks to a pseudo-terminal")
	flags.StringVar(&g.color, "color", "auto", "Color output: auto, always, never")

	for _, action := range catalog.Actions() {
		cmd.AddCommand(newActionCommand(g, action))
	}
	cmd.AddCommand(newServeCommand(g))
	cmd.AddCommand(newVersionCommand(info))

	return cmd
}

// Execute runs the root command with args and returns the exit code.
func Execute(info VersionInfo, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(info)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	var exitErr *ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.Err == nil) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

func newVersionCommand(info VersionInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cargoproc %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built: %s\n", info.Date)
		},
	}
}
