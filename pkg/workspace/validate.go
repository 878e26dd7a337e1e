package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahaops/sandboxd/pkg/domain"
)

// ValidatePath maps a caller-supplied relative path to an absolute path
// strictly inside workRoot, or rejects it.
//
// Rejection is layered: a syntactic ".." scan on the raw input catches
// literal traversal attempts (even ones like "a/../../b" that would resolve
// cleanly), and the post-canonicalization containment check catches escapes
// the filesystem might materialize later via symlinks.
func ValidatePath(userPath, workRoot string) (string, error) {
	if userPath == "" {
		return "", fmt.Errorf("%w: empty path", domain.ErrInvalidPath)
	}

	for _, seg := range strings.FieldsFunc(userPath, isPathSep) {
		if seg == ".." {
			return "", fmt.Errorf("%w: contains '..': %q", domain.ErrInvalidPath, userPath)
		}
	}

	if isAbsolute(userPath) {
		return "", fmt.Errorf("%w: absolute path: %q", domain.ErrInvalidPath, userPath)
	}

	root, err := canonicalize(workRoot)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve work root: %v", domain.ErrFileSystem, err)
	}

	candidate, err := canonicalize(filepath.Join(root, userPath))
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve %q: %v", domain.ErrInvalidPath, userPath, err)
	}

	if !strings.HasPrefix(candidate, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: escapes workspace root: %q", domain.ErrInvalidPath, userPath)
	}

	return candidate, nil
}

func isPathSep(r rune) bool {
	return r == '/' || r == '\\'
}

// isAbsolute rejects a leading separator and drive-letter style paths on
// platforms where those apply.
func isAbsolute(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") ||
		filepath.IsAbs(p) || filepath.VolumeName(p) != ""
}

// canonicalize resolves symlinks in the longest existing ancestor of path
// and lexically cleans the remainder. The target itself usually does not
// exist yet when a file path is validated.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}

	return filepath.Join(append([]string{resolved}, rest...)...), nil
}
