// Package catalog maps logical build actions to command lines.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultExecutable is the build tool used when none is configured.
const DefaultExecutable = "cargo"

// Action is a logical build action.
type Action string

// Known actions.
const (
	Bench  Action = "bench"
	Build  Action = "build"
	Clean  Action = "clean"
	Doc    Action = "doc"
	New    Action = "new"
	Run    Action = "run"
	Search Action = "search"
	Test   Action = "test"
	Update Action = "update"
)

var (
	// ErrUnknownAction is returned for an action not in the catalog.
	ErrUnknownAction = errors.New("unknown action")

	// ErrMissingName is returned when new is requested without a name.
	ErrMissingName = errors.New("new requires a project name")

	// ErrMissingTerm is returned when search is requested without a term.
	ErrMissingTerm = errors.New("search requires a term")
)

type entry struct {
	task   string
	hidden bool
}

var entries = map[Action]entry{
	Bench:  {"Bench", false},
	Build:  {"Build", false},
	Clean:  {"Clean", true},
	Doc:    {"Doc", false},
	New:    {"New", true},
	Run:    {"Run", false},
	Search: {"Search", false},
	Test:   {"Test", false},
	Update: {"Update", false},
}

// Actions returns every action in display order.
func Actions() []Action {
	return []Action{Bench, Build, Clean, Doc, New, Run, Search, Test, Update}
}

// Parse returns the action named s.
func Parse(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := entries[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// TaskName returns the task name the action runs under ("Build" for build).
func (a Action) TaskName() string {
	return entries[a].task
}

// DefaultHidden reports whether the action's surface is hidden by default.
func (a Action) DefaultHidden() bool {
	return entries[a].hidden
}

// Params carries the per-invocation arguments of an action.
type Params struct {
	// Name is the project name for new.
	Name string
	// Bin creates a binary rather than a library project for new.
	Bin bool
	// Term is the query for search.
	Term string
	// Extra is appended to the command line verbatim.
	Extra []string
}

// Command is a fully resolved invocation.
type Command struct {
	Action   Action   `json:"action"`
	TaskName string   `json:"task"`
	Argv     []string `json:"argv"`
	Hidden   bool     `json:"hidden"`
}

// Catalog builds commands for a configured executable.
type Catalog struct {
	executable string
	hidden     map[Action]bool
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithHidden overrides the default visibility of an action.
func WithHidden(a Action, hidden bool) Option {
	return func(c *Catalog) {
		c.hidden[a] = hidden
	}
}

// NewCatalog creates a catalog for executable. An empty executable uses
// DefaultExecutable.
func NewCatalog(executable string, opts ...Option) *Catalog {
	if executable == "" {
		executable = DefaultExecutable
	}
	c := &Catalog{
		executable: executable,
		hidden:     make(map[Action]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Executable returns the configured build tool.
func (c *Catalog) Executable() string {
	return c.executable
}

// Hidden reports whether a's surface is hidden, after overrides.
func (c *Catalog) Hidden(a Action) bool {
	if h, ok := c.hidden[a]; ok {
		return h
	}
	return a.DefaultHidden()
}

// Command resolves action a with params p.
func (c *Catalog) Command(a Action, p Params) (Command, error) {
	e, ok := entries[a]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownAction, string(a))
	}

	argv := []string{c.executable, string(a)}
	switch a {
	case New:
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return Command{}, ErrMissingName
		}
		argv = append(argv, name)
		if p.Bin {
			argv = append(argv, "--bin")
		}
	case Search:
		term := strings.TrimSpace(p.Term)
		if term == "" {
			return Command{}, ErrMissingTerm
		}
		argv = append(argv, term)
	}
	argv = append(argv, p.Extra...)

	return Command{
		Action:   a,
		TaskName: e.task,
		Argv:     argv,
		Hidden:   c.Hidden(a),
	}, nil
}
