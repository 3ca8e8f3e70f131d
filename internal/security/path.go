package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateTrustedFilePath validates an operator-supplied path such as the
// config file, the database file, or the queue data directory. Absolute
// paths are fine; traversal sequences are not.
func ValidateTrustedFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	return nil
}
