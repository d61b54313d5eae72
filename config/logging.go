package config

import charmlog "github.com/charmbracelet/log"

// ParseLogLevel parses a level name ("debug", "info", "warn", "error")
// the same way the teacher CLI's --log flag does. It is exposed here for
// the excluded CLI entry point to call; the sidecar's own internal
// logging goes through log/slog, not charmbracelet/log.
func ParseLogLevel(name string) (charmlog.Level, error) {
	return charmlog.ParseLevel(name)
}
