// Package security guards file paths supplied by operators, such as the
// destination of an exported profile set.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// canonical resolves path to an absolute path with symlinks evaluated. For a
// path that does not exist yet, the nearest existing ancestor is resolved
// instead so a symlinked parent cannot smuggle the file elsewhere.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory rejects filePath unless it resolves inside
// safeDir.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	path, err := canonical(filePath)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	dir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts filePath if it lies in any of dirs.
func ValidatePathWithinAllowedDirs(filePath string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("no allowed directories specified")
	}
	for _, dir := range dirs {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of the allowed directories: %v", dirs)
}

// ValidateExportPath accepts paths under the temp directory or the working
// directory.
func ValidateExportPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidatePathWithinAllowedDirs(filePath, []string{os.TempDir(), cwd})
}

// SanitizeFilename maps s onto ASCII letters, digits, '.', '_' and '-',
// collapsing every other run of characters into one underscore.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
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
