package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeResolver overlays the files named by a config's includes list onto
// the config being loaded. Each file is read at most once per Load.
type includeResolver struct {
	cfg     *Config
	visited map[string]bool
}

func newIncludeResolver(cfg *Config, root string) *includeResolver {
	return &includeResolver{cfg: cfg, visited: map[string]bool{root: true}}
}

// processIncludes merges every file in cfg.Includes, resolved relative to
// baseDir, into cfg. Nested includes are followed up to maxIncludeDepth.
func (r *includeResolver) processIncludes(baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := r.cfg.Includes
	r.cfg.Includes = nil
	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if r.visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			r.visited[abs] = true

			if err := r.mergeFile(abs, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeFile overlays one YAML file onto the config and follows its own includes.
func (r *includeResolver) mergeFile(path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	r.cfg.Includes = nil
	if err := yaml.Unmarshal(data, r.cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(r.cfg.Includes) == 0 {
		return nil
	}
	return r.processIncludes(filepath.Dir(path), depth)
}

// resolveIncludePaths expands pattern relative to baseDir. Relative patterns
// may not climb out of baseDir; a glob that matches nothing is not an error.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let mergeFile report the missing file.
		return []string{pattern}, nil
	}
	return matches, nil
}
