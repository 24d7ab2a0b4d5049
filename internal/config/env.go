package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// ResolveEnv builds the child environment: the parent environment, then
// each dotenv file in EnvFiles (relative paths are resolved against
// baseDir, missing files are skipped), then Env. Later sources win.
//
// It returns nil when nothing overrides the parent environment, so the
// child simply inherits it.
func (c *Config) ResolveEnv(baseDir string) ([]string, error) {
	overlay := make(map[string]string)

	for _, name := range c.EnvFiles {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for k, v := range vars {
			overlay[k] = v
		}
	}
	for k, v := range c.Env {
		overlay[k] = v
	}

	if len(overlay) == 0 {
		return nil, nil
	}
	return mergeEnv(os.Environ(), overlay), nil
}

// mergeEnv returns base with overlay applied, sorted by key. PWD is
// dropped from base since the child runs in its own directory.
func mergeEnv(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "PWD" {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
