// Package security guards the filesystem boundaries of the service: blob
// keys supplied by clients and spool file names must never resolve outside
// their configured roots.
package security

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for blob keys that are empty, absolute or that
// climb out of the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// ValidateBlobKey checks a slash-separated storage key such as
// "scans/42.ply". Keys are relative, clean and free of "..".
func ValidateBlobKey(key string) error {
	if key == "" || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) || filepath.IsAbs(key) {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q is not a clean relative key", ErrInvalidKey, key)
	}
	return nil
}

// ResolveWithin maps key onto a path below root after validating both the
// key and the resolved location.
func ResolveWithin(root, key string) (string, error) {
	if err := ValidateBlobKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(root, filepath.FromSlash(key))
	if err := ValidatePathWithinDirectory(p, root); err != nil {
		return "", err
	}
	return p, nil
}

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir,
// following symlinks on whatever prefix of the path already exists.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := canonicalize(absPath)
	canonicalSafeDir := canonicalize(absSafeDir)

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// canonicalize resolves symlinks on the longest existing prefix of an
// absolute path and re-appends the remainder.
func canonicalize(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest)
		}
		if dir == filepath.Dir(dir) {
			return abs
		}
	}
}

// SanitizeFilename makes a safe file name from an arbitrary identifier such
// as a job id. Characters other than ASCII letters, digits, dot, underscore
// and dash collapse into a single underscore, and the result is capped at
// 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
