// Package security guards the filesystem boundary of the HTTP surface:
// client-supplied names are resolved only inside configured directories.
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal is returned when a path resolves outside its directory.
	ErrPathTraversal = errors.New("path escapes directory")
	// ErrNotRegularFile is returned when a resolved upload is a directory or
	// device.
	ErrNotRegularFile = errors.New("not a regular file")
)

// canonicalPath resolves symlinks in p. When p does not exist yet the
// nearest existing parent is resolved and the remainder re-appended, so
// /safe/evil-link/new.txt with evil-link -> /etc still resolves into /etc.
func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	check := p
	for {
		parent := filepath.Dir(check)
		if parent == check {
			return p
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, _ := filepath.Rel(parent, p)
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}

// ValidatePathWithinDirectory checks that filePath, after cleaning and
// symlink resolution, stays inside safeDir. safeDir must exist.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath(absPath))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s attempts to escape %s", ErrPathTraversal, filePath, safeDir)
	}
	return nil
}

// ResolveUpload maps a client-supplied stored file name to a path inside dir.
// The file must exist and be a regular file; missing files wrap
// fs.ErrNotExist.
func ResolveUpload(dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("file name is required")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %s", ErrPathTraversal, name)
	}
	p := filepath.Join(dir, name)
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		}
		return "", fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, ErrNotRegularFile)
	}
	return p, nil
}

const maxFilenameLen = 128

// SanitizeFilename makes a safe file name from an arbitrary string. Runs of
// characters other than ASCII letters, digits, dot, underscore or dash
// become one underscore; leading and trailing dots and underscores are
// trimmed. An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
