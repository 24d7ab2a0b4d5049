// Package watch re-runs tasks when project sources change.
//
// A Watcher watches a project tree recursively with fsnotify. Paths in
// .git and target, and paths matched by the project's .gitignore or by
// extra ignore patterns, are skipped. Only files with a configured
// extension trigger. Bursts of changes are debounced into one Change.
package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/dshills/cargoproc/internal/logging"
)

// Default settings.
const (
	DefaultDebounce = 300 * time.Millisecond
)

// DefaultExtensions are the file extensions that trigger a change.
var DefaultExtensions = []string{".rs", ".toml"}

// alwaysIgnored are skipped regardless of .gitignore.
var alwaysIgnored = []string{".git/", "target/"}

// ErrClosed is returned when starting a closed watcher.
var ErrClosed = errors.New("watcher is closed")

// Change is a debounced batch of relevant file changes.
type Change struct {
	// Paths are the changed files relative to the root, sorted.
	Paths []string
	// At is when the batch was delivered.
	At time.Time
}

// Options configures a Watcher.
type Options struct {
	// Root is the directory watched recursively.
	Root string
	// Extensions that trigger a change; nil uses DefaultExtensions.
	Extensions []string
	// Ignore holds extra gitignore-style patterns.
	Ignore []string
	// Debounce is the quiet period; zero uses DefaultDebounce.
	Debounce time.Duration
	// Logger receives watcher diagnostics.
	Logger *logging.Logger
}

// Watcher reports debounced source changes below a root directory.
type Watcher struct {
	root     string
	exts     map[string]bool
	matcher  *ignore.GitIgnore
	log      *logging.Logger
	onChange func(Change)

	fsw      *fsnotify.Watcher
	debounce *Debouncer

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for opts.Root that calls onChange for every
// debounced batch. Call Start to begin watching.
func New(opts Options, onChange func(Change)) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "watch", Path: root, Err: errors.New("not a directory")}
	}

	matcher, err := loadIgnore(root, opts.Ignore)
	if err != nil {
		return nil, err
	}

	exts := opts.Extensions
	if exts == nil {
		exts = DefaultExtensions
	}
	delay := opts.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		exts:     make(map[string]bool, len(exts)),
		matcher:  matcher,
		log:      logging.OrDefault(opts.Logger).WithComponent("watch"),
		onChange: onChange,
		fsw:      fsw,
		pending:  make(map[string]struct{}),
		closeCh:  make(chan struct{}),
	}
	for _, ext := range exts {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.exts[ext] = true
	}
	w.debounce = NewDebouncer(delay, w.deliver)
	return w, nil
}

func loadIgnore(root string, extra []string) (*ignore.GitIgnore, error) {
	lines := append(append([]string(nil), alwaysIgnored...), extra...)

	path := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return ignore.CompileIgnoreLines(lines...), nil
	}
	return ignore.CompileIgnoreFileAndLines(path, lines...)
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Start adds the tree below the root and begins delivering changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop()
	w.log.Debug("watching %s", w.root)
	return nil
}

// Close stops watching. Pending changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.debounce.Cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// WatchedDirs returns the watched directories, sorted.
func (w *Watcher) WatchedDirs() []string {
	dirs := w.fsw.WatchList()
	sort.Strings(dirs)
	return dirs
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Debug("walk %s: %v", p, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.log.Warn("watch %s: %v", p, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.ignored(ev.Name, true) {
				_ = w.addTree(ev.Name)
			}
			return
		}
	}

	if !w.Relevant(ev.Name) {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		rel = ev.Name
	}

	w.mu.Lock()
	w.pending[filepath.ToSlash(rel)] = struct{}{}
	w.mu.Unlock()

	w.debounce.Call()
}

// Relevant reports whether a change to the file at path triggers a re-run.
func (w *Watcher) Relevant(path string) bool {
	if !w.exts[filepath.Ext(path)] {
		return false
	}
	return !w.ignored(path, false)
}

func (w *Watcher) ignored(path string, isDir bool) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return w.matcher.MatchesPath(rel)
}

func (w *Watcher) deliver() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.log.Debug("change: %s", strings.Join(paths, ", "))
	if w.onChange != nil {
		w.onChange(Change{Paths: paths, At: time.Now()})
	}
}
