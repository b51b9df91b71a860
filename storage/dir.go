package storage

import (
	"fmt"
	"os"
)

// Dir is a scratch directory that belongs to a single driver process.
type Dir struct {
	Dir    string
	remove bool
}

// Make creates a new temporary directory in tmpDir using the pattern.
// An empty tmpDir means the OS default temporary directory.
func (d *Dir) Make(tmpDir, pattern string) error {
	dir, err := os.MkdirTemp(tmpDir, pattern)
	if err != nil {
		return fmt.Errorf("making scratch directory: %w", err)
	}
	d.Dir = dir
	d.remove = true

	return nil
}

// Cleanup removes the directory if it was created by Make.
// It is safe to call more than once.
func (d *Dir) Cleanup() error {
	if d == nil || !d.remove {
		return nil
	}
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing scratch directory %q: %w", d.Dir, err)
	}
	d.remove = false

	return nil
}
