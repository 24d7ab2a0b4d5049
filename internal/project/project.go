// Package project locates and reads Cargo manifests.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ManifestName is the file that marks a project root.
const ManifestName = "Cargo.toml"

// ErrNoManifest is returned when no manifest exists in a directory or any
// of its parents.
var ErrNoManifest = errors.New("no " + ManifestName + " found")

// FindRoot returns the nearest directory at or above dir that contains a
// manifest.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for cur := abs; ; {
		info, err := os.Stat(filepath.Join(cur, ManifestName))
		if err == nil && !info.IsDir() {
			return cur, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("%w in %s or any parent", ErrNoManifest, abs)
		}
		cur = parent
	}
}

// Manifest is the subset of Cargo.toml the front end uses.
type Manifest struct {
	// Path is the manifest file the data was read from.
	Path string `toml:"-"`

	Package   *Package   `toml:"package"`
	Workspace *Workspace `toml:"workspace"`
	Lib       *Target    `toml:"lib"`
	Bins      []Target   `toml:"bin"`
}

// Package is the [package] table.
type Package struct {
	Name    string `toml:"name"`
	Edition string `toml:"edition"`

	// RawVersion is a version string, or a table when the version is
	// inherited from the workspace.
	RawVersion any `toml:"version"`
}

// Version returns the package version, or "" when it is inherited.
func (p *Package) Version() string {
	if p == nil {
		return ""
	}
	if s, ok := p.RawVersion.(string); ok {
		return s
	}
	return ""
}

// Workspace is the [workspace] table.
type Workspace struct {
	Members []string `toml:"members"`
	Exclude []string `toml:"exclude"`
}

// Target is a [lib] or [[bin]] table.
type Target struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// ReadManifest parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Path = path
	return &m, nil
}

// Load finds the project root for dir and reads its manifest.
func Load(dir string) (string, *Manifest, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return "", nil, err
	}
	m, err := ReadManifest(filepath.Join(root, ManifestName))
	if err != nil {
		return "", nil, err
	}
	return root, m, nil
}

// Name returns the package name, the root directory name for a virtual
// workspace, or "".
func (m *Manifest) Name() string {
	if m.Package != nil && m.Package.Name != "" {
		return m.Package.Name
	}
	if m.Workspace != nil && m.Path != "" {
		return filepath.Base(filepath.Dir(m.Path))
	}
	return ""
}

// IsWorkspace reports whether the manifest declares a workspace.
func (m *Manifest) IsWorkspace() bool {
	return m.Workspace != nil
}

// BinNames returns the names of the declared binary targets. A package
// without [[bin]] tables whose src/main.rs exists has one binary named
// after the package.
func (m *Manifest) BinNames() []string {
	var names []string
	for _, b := range m.Bins {
		if b.Name != "" {
			names = append(names, b.Name)
		}
	}
	if len(names) == 0 && m.Package != nil && m.Path != "" {
		main := filepath.Join(filepath.Dir(m.Path), "src", "main.rs")
		if _, err := os.Stat(main); err == nil {
			names = append(names, m.Package.Name)
		}
	}
	return names
}
