package safety

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sensitiveNames blocks paths whose segments name credential material,
// matched case-insensitively as substrings.
var sensitiveNames = []string{
	".env",
	"secrets",
	"credentials",
	"private_key",
	"id_rsa",
	".ssh",
	"password",
}

// ValidatePath resolves p (following symlinks) and verifies it is contained
// under one of allowedRoots and names nothing on the sensitive blocklist.
// It returns the resolved absolute path.
func ValidatePath(p string, allowedRoots []string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", blocked("empty path")
	}
	if len(allowedRoots) == 0 {
		return "", blocked("no allowed roots configured")
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", blocked("cannot expand ~: %v", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", blocked("cannot resolve path: %v", err)
	}
	resolved, err := resolveSymlinks(abs)
	if err != nil {
		return "", blocked("cannot resolve symlinks: %v", err)
	}

	for _, segment := range strings.Split(resolved, string(filepath.Separator)) {
		lower := strings.ToLower(segment)
		for _, name := range sensitiveNames {
			if strings.Contains(lower, name) {
				return "", blocked("path names sensitive entry %q", segment)
			}
		}
	}

	for _, root := range allowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootResolved, err := resolveSymlinks(rootAbs)
		if err != nil {
			continue
		}
		if contains(rootResolved, resolved) {
			return resolved, nil
		}
	}
	return "", blocked("path %s escapes allowed roots", resolved)
}

// resolveSymlinks follows symlinks along the deepest existing prefix of p,
// so a not-yet-created file still resolves through its parent directories.
func resolveSymlinks(p string) (string, error) {
	suffix := ""
	cur := filepath.Clean(p)
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Join(cur, suffix), nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

func contains(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
