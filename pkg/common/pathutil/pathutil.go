package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafePath validates and constructs a safe file path within a base
// directory. The filename may contain subdirectories but must not
// escape the base.
func SafePath(baseDir, filename string) (string, error) {
	cleanFilename := filepath.Clean(filename)
	if strings.Contains(cleanFilename, "..") {
		return "", fmt.Errorf("invalid filename: path traversal not allowed")
	}

	return confineToBase(baseDir, filepath.Join(baseDir, cleanFilename))
}

// SafeSubpath joins one or more path segments under a base directory.
// Each segment is validated on its own, so identifiers coming from the
// wire (owner IDs, store IDs) cannot escape the base directory.
func SafeSubpath(baseDir string, segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("at least one path segment is required")
	}

	for _, segment := range segments {
		clean := filepath.Clean(segment)
		if clean == "" || clean == "." || clean == ".." {
			return "", fmt.Errorf("invalid path segment %q", segment)
		}
		if strings.Contains(clean, "..") {
			return "", fmt.Errorf("invalid path segment %q: path traversal not allowed", segment)
		}
		if filepath.IsAbs(clean) {
			return "", fmt.Errorf("invalid path segment %q: absolute paths not allowed", segment)
		}
	}

	return confineToBase(baseDir, filepath.Join(append([]string{baseDir}, segments...)...))
}

// confineToBase resolves fullPath and verifies it still lies under
// baseDir after cleaning.
func confineToBase(baseDir, fullPath string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for base directory: %w", err)
	}

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase) {
		return "", fmt.Errorf("path outside base directory not allowed")
	}

	return fullPath, nil
}

// ValidateFilePath rejects paths containing traversal segments.
func ValidateFilePath(filePath string) error {
	if strings.Contains(filepath.Clean(filePath), "..") {
		return fmt.Errorf("invalid file path: path traversal not allowed")
	}
	return nil
}
