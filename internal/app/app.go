// Package app wires configuration, project discovery, the command catalog
// and the task runner into one Application that front ends drive.
package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/cargoproc/internal/catalog"
	"github.com/dshills/cargoproc/internal/config"
	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/process"
	"github.com/dshills/cargoproc/internal/project"
	"github.com/dshills/cargoproc/internal/runner"
	"github.com/dshills/cargoproc/internal/surface"
	"github.com/dshills/cargoproc/internal/watch"
)

// Visibility overrides the catalog's default surface visibility.
type Visibility int

const (
	// VisibilityDefault uses the configured default for the action.
	VisibilityDefault Visibility = iota
	// VisibilityShow always shows the surface.
	VisibilityShow
	// VisibilityHide never shows the surface.
	VisibilityHide
)

// Options configures the application.
type Options struct {
	// ConfigPath is the config file; empty searches the default locations.
	ConfigPath string

	// Dir is the invocation directory; empty is the current directory.
	Dir string

	// LogLevel overrides the configured log level when set.
	LogLevel string

	// PTY forces pseudo-terminal mode on when true.
	PTY bool

	// Logger replaces the logger built from the config.
	Logger *logging.Logger
}

// Application is the coordinator shared by every front end.
type Application struct {
	cfg      *config.Config
	log      *logging.Logger
	closeLog func() error

	dir      string
	root     string
	manifest *project.Manifest

	catalog *catalog.Catalog
	bus     *event.Bus
	runner  *runner.Runner

	mu     sync.Mutex
	closed bool
}

// New loads the configuration and builds an Application.
func New(opts Options) (*Application, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}
	return NewWithConfig(cfg, opts)
}

// NewWithConfig builds an Application from an already loaded config.
func NewWithConfig(cfg *config.Config, opts Options) (*Application, error) {
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.PTY {
		cfg.PTY = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	a := &Application{cfg: cfg, closeLog: func() error { return nil }}

	if err := a.bootstrap(opts); err != nil {
		_ = a.closeLog()
		return nil, err
	}
	return a, nil
}

// bootstrap initializes components in dependency order.
func (a *Application) bootstrap(opts Options) error {
	// 1. Logging
	if opts.Logger != nil {
		a.log = opts.Logger
	} else {
		log, closeLog, err := logging.Open(a.cfg.Log.File, a.cfg.LogLevel())
		if err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		a.log, a.closeLog = log, closeLog
	}

	// 2. Project
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return &InitError{Component: "project", Err: err}
	}
	a.dir = abs

	root, manifest, err := project.Load(abs)
	switch {
	case err == nil:
		a.root, a.manifest = root, manifest
		a.log.Debug("project %q at %s", manifest.Name(), root)
	case errors.Is(err, project.ErrNoManifest):
		a.log.Debug("no manifest above %s", abs)
	default:
		a.log.Warn("read manifest: %v", err)
	}

	// 3. Catalog
	var catOpts []catalog.Option
	for _, action := range catalog.Actions() {
		if hidden, ok := a.cfg.HiddenOverride(string(action)); ok {
			catOpts = append(catOpts, catalog.WithHidden(action, hidden))
		}
	}
	a.catalog = catalog.NewCatalog(a.cfg.Executable, catOpts...)

	// 4. Runner
	a.bus = event.NewBus(a.log)
	a.runner = runner.New(
		runner.WithLogger(a.log),
		runner.WithBus(a.bus),
		runner.WithSurfaces(surface.NewRegistry(surface.WithLogger(a.log))),
		runner.WithSupervisor(process.NewSupervisor(
			process.WithLogger(a.log),
			process.WithGrace(a.cfg.Grace.Std()),
		)),
	)
	return nil
}

// Config returns the effective configuration.
func (a *Application) Config() *config.Config { return a.cfg }

// Logger returns the application logger.
func (a *Application) Logger() *logging.Logger { return a.log }

// Catalog returns the command catalog.
func (a *Application) Catalog() *catalog.Catalog { return a.catalog }

// Runner returns the task runner.
func (a *Application) Runner() *runner.Runner { return a.runner }

// Bus returns the lifecycle event bus.
func (a *Application) Bus() *event.Bus { return a.bus }

// Surfaces returns the output surfaces.
func (a *Application) Surfaces() *surface.Registry { return a.runner.Surfaces() }

// Dir returns the absolute invocation directory.
func (a *Application) Dir() string { return a.dir }

// Root returns the project root, or "" outside a project.
func (a *Application) Root() string { return a.root }

// Manifest returns the project manifest, or nil outside a project.
func (a *Application) Manifest() *project.Manifest { return a.manifest }

// WorkDir returns the directory action runs in: the configured work_dir,
// else the project root. new always runs in the invocation directory.
func (a *Application) WorkDir(action catalog.Action) string {
	if action == catalog.New {
		return a.dir
	}
	if a.cfg.WorkDir != "" {
		if filepath.IsAbs(a.cfg.WorkDir) {
			return a.cfg.WorkDir
		}
		return filepath.Join(a.dir, a.cfg.WorkDir)
	}
	if a.root != "" {
		return a.root
	}
	return a.dir
}

// Resolve returns the command for action without running it.
func (a *Application) Resolve(action catalog.Action, p catalog.Params, vis Visibility) (catalog.Command, error) {
	cmd, err := a.catalog.Command(action, p)
	if err != nil {
		return cmd, err
	}
	switch vis {
	case VisibilityShow:
		cmd.Hidden = false
	case VisibilityHide:
		cmd.Hidden = true
	}
	return cmd, nil
}

// RunAction resolves action and starts it. It returns the resolved command
// together with any error from the runner, including *process.SpawnError.
func (a *Application) RunAction(action catalog.Action, p catalog.Params, vis Visibility) (catalog.Command, error) {
	if a.isClosed() {
		return catalog.Command{}, ErrClosed
	}

	cmd, err := a.Resolve(action, p, vis)
	if err != nil {
		return cmd, err
	}

	dir := a.WorkDir(action)
	env, err := a.cfg.ResolveEnv(dir)
	if err != nil {
		return cmd, err
	}

	err = a.runner.Run(cmd.TaskName, cmd.Argv, runner.Options{
		Hidden: cmd.Hidden,
		Dir:    dir,
		Env:    env,
		PTY:    a.cfg.PTY,
	})
	return cmd, err
}

// Watch runs action now and again after every debounced source change
// until ctx is done. Each re-run supersedes the previous one.
func (a *Application) Watch(ctx context.Context, action catalog.Action, p catalog.Params, vis Visibility) error {
	root := a.root
	if root == "" {
		root = a.dir
	}

	w, err := watch.New(watch.Options{
		Root:       root,
		Extensions: a.cfg.Watch.Extensions,
		Ignore:     a.cfg.Watch.Ignore,
		Debounce:   a.cfg.Watch.Debounce.Std(),
		Logger:     a.log,
	}, func(c watch.Change) {
		a.bus.Publish(event.WatchTriggered, map[string]any{
			"action": string(action),
			"paths":  c.Paths,
		})
		if _, err := a.RunAction(action, p, vis); err != nil && !process.IsSpawnError(err) {
			a.log.Warn("re-run %s: %v", action, err)
		}
	})
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Start(); err != nil {
		return err
	}
	if _, err := a.RunAction(action, p, vis); err != nil && !process.IsSpawnError(err) {
		return err
	}

	<-ctx.Done()
	return nil
}

func (a *Application) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Shutdown stops every task, waiting up to timeout, and releases the log.
func (a *Application) Shutdown(timeout time.Duration) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.runner.Shutdown(timeout)
	a.bus.Close()
	return a.closeLog()
}
