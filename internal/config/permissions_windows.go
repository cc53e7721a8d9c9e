//go:build windows

package config

import (
	"os"
	"os/exec"
	"strings"
)

var broadACLPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
	"users",
}

// checkFilePermissions returns a warning if icacls reports a broad principal
// on the config file.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}

	acl := strings.ToLower(string(output))
	for _, principal := range broadACLPrincipals {
		if strings.Contains(acl, principal) {
			return insecureConfigWarning(path, "may have insecure permissions",
				"Run in PowerShell: icacls \""+path+"\" /inheritance:r /grant:r \"%USERNAME%:F\"")
		}
	}
	return ""
}
