//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions returns a warning if the config file is readable by group or others.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "" // Can't check, skip warning
	}

	// Group or other access of any kind is too permissive for a file holding passwords.
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return insecureConfigWarning(path,
			fmt.Sprintf("has insecure permissions (%04o)", mode),
			"Run: chmod 600 "+path)
	}
	return ""
}
