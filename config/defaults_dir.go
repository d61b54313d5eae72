package config

import (
	"os"
	"path/filepath"
)

// defaultSpoolDir returns "<user-data>/spool", falling back to a relative
// path if the user data directory cannot be determined (e.g. restricted
// sandboxes without HOME set).
func defaultSpoolDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "sessionrelay", "spool")
}
