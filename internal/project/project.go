// Package project resolves the active project root and its .aidd data
// directory. Every project keeps one database file at <root>/.aidd/memory.db.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoProjectRoot is returned when no marker directory is found between the
// starting path and the filesystem root.
var ErrNoProjectRoot = errors.New("no project root found")

// dataDirName is the per-project data directory.
const dataDirName = ".aidd"

// rootMarkers identify a project root, checked in order at each level.
var rootMarkers = []string{dataDirName, ".git"}

// Project is a resolved project workspace.
type Project struct {
	// Root is the project root directory.
	Root string

	// DataDir is <root>/.aidd.
	DataDir string
}

// DatabasePath returns the project's database file location.
func (p *Project) DatabasePath() string {
	return filepath.Join(p.DataDir, "memory.db")
}

// Resolve walks upward from start looking for a directory containing .aidd
// or .git. The first match wins; .aidd takes precedence over .git at the
// same level so a nested memory-enabled directory inside a larger repository
// keeps its own store.
func Resolve(start string) (*Project, error) {
	if start == "" {
		var err error
		start, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", start, err)
	}

	dir := abs
	for {
		for _, marker := range rootMarkers {
			info, err := os.Stat(filepath.Join(dir, marker))
			if err == nil && info.IsDir() {
				return &Project{
					Root:    dir,
					DataDir: filepath.Join(dir, dataDirName),
				}, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w: searched from %s", ErrNoProjectRoot, abs)
		}
		dir = parent
	}
}

// Init creates the .aidd data directory under root, making root a project
// root for future Resolve calls. Idempotent.
func Init(root string) (*Project, error) {
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", root, err)
	}

	dataDir := filepath.Join(abs, dataDirName)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}

	return &Project{Root: abs, DataDir: dataDir}, nil
}
