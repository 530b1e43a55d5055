// Package toolkit provides the closed set of tools the planner may
// invoke, the sandbox they run inside, and the dispatch that executes
// them. Tool execution never raises: every failure mode becomes text
// in the tool result.
package toolkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrDenied marks a path that failed sandbox validation. The router
// renders it as a DENIED result rather than an execution failure so
// the model can tell policy from breakage.
type ErrDenied struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *ErrDenied) Error() string {
	return fmt.Sprintf("access to %q denied: %s", e.Path, e.Reason)
}

// Sandbox confines tool file access. Reads are allowed inside any
// allowlisted directory or anywhere that normalizes to a location
// inside the current working directory; writes only inside the single
// write root.
type Sandbox struct {
	writeRoot string
	readDirs  []string
}

// NewSandbox builds a sandbox. writeRoot may be empty to disable
// writes entirely; readDirs may be empty to disable reads. The write
// root is implicitly readable.
func NewSandbox(writeRoot string, readDirs []string) *Sandbox {
	roots := make([]string, 0, len(readDirs)+1)
	for _, d := range readDirs {
		if d != "" {
			roots = append(roots, filepath.Clean(d))
		}
	}
	if writeRoot != "" {
		writeRoot = filepath.Clean(writeRoot)
		roots = append(roots, writeRoot)
	}
	return &Sandbox{writeRoot: writeRoot, readDirs: roots}
}

// WriteEnabled reports whether a write root is configured.
func (s *Sandbox) WriteEnabled() bool { return s.writeRoot != "" }

// hasDotDot reports whether any segment of the raw path is "..".
// Checked before cleaning so that paths which merely pass through a
// parent directory ("docs/../../secret") are refused even when they
// would land somewhere harmless.
func hasDotDot(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// under reports whether the cleaned path is root itself or inside it.
func under(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// inWorkingDir reports whether the cleaned path lands inside the
// process working directory after normalization.
func inWorkingDir(clean string) bool {
	abs, err := filepath.Abs(clean)
	if err != nil {
		return false
	}
	cwd, err := os.Getwd()
	if err != nil {
		return false
	}
	return under(abs, cwd)
}

// ResolveRead validates a path for reading or listing and returns its
// cleaned form. A path is readable when it sits under an allowlisted
// root or normalizes to somewhere inside the working directory.
func (s *Sandbox) ResolveRead(path string) (string, error) {
	return s.resolve(path, s.readDirs, true, "no readable directory contains it")
}

// ResolveWrite validates a path for writing and returns its cleaned
// form. Only the write root qualifies; the working-directory rule that
// applies to reads does not extend to writes.
func (s *Sandbox) ResolveWrite(path string) (string, error) {
	if s.writeRoot == "" {
		return "", &ErrDenied{Path: path, Reason: "writes are not configured"}
	}
	return s.resolve(path, []string{s.writeRoot}, false, "outside the write root")
}

func (s *Sandbox) resolve(path string, roots []string, allowWorkingDir bool, reason string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &ErrDenied{Path: path, Reason: "empty path"}
	}
	if hasDotDot(path) {
		return "", &ErrDenied{Path: path, Reason: "parent directory traversal"}
	}

	clean := filepath.Clean(path)
	for _, root := range roots {
		if under(clean, root) {
			return clean, nil
		}
	}
	if allowWorkingDir && inWorkingDir(clean) {
		return clean, nil
	}
	return "", &ErrDenied{Path: path, Reason: reason}
}
