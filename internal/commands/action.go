package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"github.com/dshills/cargoproc/internal/app"
	"github.com/dshills/cargoproc/internal/catalog"
	"github.com/dshills/cargoproc/internal/frontend/console"
	"github.com/dshills/cargoproc/internal/frontend/tui"
	"github.com/dshills/cargoproc/internal/process"
	"github.com/dshills/cargoproc/internal/runner"
)

const shutdownTimeout = 5 * time.Second

type actionOptions struct {
	bin    bool
	show   bool
	hidden bool
	watch  bool
	tui    bool
}

func (o *actionOptions) visibility() app.Visibility {
	switch {
	case o.show:
		return app.VisibilityShow
	case o.hidden:
		return app.VisibilityHide
	}
	return app.VisibilityDefault
}

func newActionCommand(g *globalOptions, action catalog.Action) *cobra.Command {
	o := &actionOptions{}

	use := string(action)
	switch action {
	case catalog.New:
		use += " <name>"
	case catalog.Search:
		use += " <term>"
	}
	use += " [-- cargo-args...]"

	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Run cargo %s as the %s task", action, action.TaskName()),
		Args:  positionalArgs(action),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := splitArgs(action, args, cmd.ArgsLenAtDash())
			p.Bin = o.bin
			return runAction(cmd, g, o, action, p)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&o.show, "show", false, "Show the output even if the task is hidden by default")
	flags.BoolVar(&o.hidden, "hidden", false, "Run without showing the output")
	flags.BoolVar(&o.watch, "watch", false, "Re-run the task when source files change")
	flags.BoolVar(&o.tui, "tui", false, "Show the output in a full-screen viewer")
	cmd.MarkFlagsMutuallyExclusive("show", "hidden")
	if action == catalog.New {
		flags.BoolVar(&o.bin, "bin", false, "Create a binary project")
	}

	return cmd
}

// positionalArgs requires the name of new and the term of search before
// any "--"; everything after it is passed through.
func positionalArgs(action catalog.Action) cobra.PositionalArgs {
	want := 0
	if action == catalog.New || action == catalog.Search {
		want = 1
	}
	return func(cmd *cobra.Command, args []string) error {
		n := len(args)
		if dash := cmd.ArgsLenAtDash(); dash >= 0 {
			n = dash
		}
		if n != want {
			return fmt.Errorf("%s accepts %d argument(s) before --, received %d", action, want, n)
		}
		return nil
	}
}

func splitArgs(action catalog.Action, args []string, dash int) catalog.Params {
	pos, extra := args, []string(nil)
	if dash >= 0 {
		pos, extra = args[:dash], args[dash:]
	}

	p := catalog.Params{Extra: extra}
	if len(pos) > 0 {
		switch action {
		case catalog.New:
			p.Name = pos[0]
		case catalog.Search:
			p.Term = pos[0]
		}
	}
	return p
}

func runAction(cmd *cobra.Command, g *globalOptions, o *actionOptions, action catalog.Action, p catalog.Params) error {
	mode, err := g.colorMode(cmd.OutOrStdout())
	if err != nil {
		return err
	}

	a, err := app.New(g.appOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(shutdownTimeout); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: shutdown: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.tui {
		return runViewer(ctx, a, o, action, p)
	}

	printer := console.New(cmd.OutOrStdout(), console.WithColor(mode), console.WithLogger(a.Logger()))
	defer printer.Attach(a.Surfaces(), a.Bus())()

	if o.watch {
		if err := a.Watch(ctx, action, p, o.visibility()); err != nil {
			return err
		}
		return &ExitError{Code: ExitInterrupted}
	}

	command, err := a.RunAction(action, p, o.visibility())
	if err != nil {
		if process.IsSpawnError(err) {
			return &ExitError{Code: ExitFailure, Err: err}
		}
		return err
	}
	return waitResult(ctx, a.Runner(), command.TaskName)
}

// waitResult turns the outcome of the current run of task into the
// command's exit status.
func waitResult(ctx context.Context, r *runner.Runner, task string) error {
	res, err := r.Wait(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			return &ExitError{Code: ExitInterrupted}
		}
		return err
	}
	if code := res.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func runViewer(ctx context.Context, a *app.Application, o *actionOptions, action catalog.Action, p catalog.Params) error {
	command, err := a.Resolve(action, p, o.visibility())
	if err != nil {
		return err
	}
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	viewer := tui.New(screen, a.Surfaces(), a.Runner(), command.TaskName,
		tui.WithBus(a.Bus()),
		tui.WithLogger(a.Logger()),
	)

	if o.watch {
		go func() {
			if err := a.Watch(ctx, action, p, o.visibility()); err != nil {
				a.Logger().Warn("watch %s: %v", action, err)
			}
		}()
	} else if _, err := a.RunAction(action, p, o.visibility()); err != nil && !process.IsSpawnError(err) {
		return err
	}

	if err := viewer.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return &ExitError{Code: ExitInterrupted}
	}
	if st, ok := a.Runner().Status(command.TaskName); !ok || st.State != runner.StateFinished {
		return &ExitError{Code: ExitInterrupted}
	}
	return waitResult(ctx, a.Runner(), command.TaskName)
}
