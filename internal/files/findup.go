package files

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and each of its parents, returning the first match.
// It returns an error wrapping fs.ErrNotExist if no directory up to the root has one.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}
	for {
		candidate := filepath.Join(curDir, name)
		fi, err := os.Stat(candidate)
		if err == nil && fi.Mode().IsRegular() {
			return candidate, nil
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("finding %q above %q: %w", name, dir, fs.ErrNotExist)
		}
		curDir = newDir
	}
}
