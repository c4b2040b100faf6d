package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.jurisscope/logs, or a temp-dir fallback.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".jurisscope", "logs")
	}
	return filepath.Join(home, ".jurisscope", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "jurisscope.log")
}
