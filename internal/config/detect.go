package config

import (
	"os"
	"path/filepath"
)

// FindProjectRoot walks up from start looking for an .obox directory or
// an .env file and returns the first directory that has one. When nothing
// is found, start itself is returned.
func FindProjectRoot(start string) string {
	abs, err := filepath.Abs(start)
	if err != nil {
		return start
	}

	markers := []string{Dir, EnvFile}
	for dir := abs; ; {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		dir = parent
	}
}
