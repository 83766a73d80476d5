package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound matches any PathNotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// PathNotFoundError names a launch input that does not exist on disk.
type PathNotFoundError struct {
	// Kind describes the role of the path, e.g. "assembly" or "host app".
	Kind string
	Path string
}

func (e *PathNotFoundError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("no %s path given", e.Kind)
	}
	return fmt.Sprintf("could not find %s %q, build the project to enable previewing", e.Kind, e.Path)
}

func (e *PathNotFoundError) Is(target error) bool { return target == ErrNotFound }

// RuntimeConfigPath returns the <name>.runtimeconfig.json that sits next to the executable.
func RuntimeConfigPath(executablePath string) string {
	return siblingWithSuffix(executablePath, ".runtimeconfig.json")
}

// DepsPath returns the <name>.deps.json that sits next to the executable.
func DepsPath(executablePath string) string {
	return siblingWithSuffix(executablePath, ".deps.json")
}

func siblingWithSuffix(executablePath, suffix string) string {
	dir := filepath.Dir(executablePath)
	name := strings.TrimSuffix(filepath.Base(executablePath), filepath.Ext(executablePath))
	return filepath.Join(dir, name+suffix)
}

type pathCheck struct {
	kind string
	path string
}

// Validate checks that every file the launch command refers to exists, in the order the user is most likely to fix them.
// It returns a *PathNotFoundError for the first missing one.
func Validate(req LaunchRequest) error {
	checks := []pathCheck{
		{kind: "assembly", path: req.AssemblyPath},
		{kind: "executable", path: req.ExecutablePath},
		{kind: "host app", path: req.HostAppPath},
	}
	for _, c := range checks {
		if strings.TrimSpace(c.path) == "" {
			return &PathNotFoundError{Kind: c.kind}
		}
	}
	checks = append(checks,
		pathCheck{kind: "runtime config", path: RuntimeConfigPath(req.ExecutablePath)},
		pathCheck{kind: "deps file", path: DepsPath(req.ExecutablePath)},
	)
	for _, c := range checks {
		fi, err := os.Stat(c.path)
		if err != nil || fi.IsDir() {
			return &PathNotFoundError{Kind: c.kind, Path: c.path}
		}
	}
	return nil
}
