// Package config defines the sidecar's configuration surface (spec.md
// §6). Binding these fields to CLI flags or environment variables is the
// excluded command-line entry point; this package only defines the data
// and its defaults/validation so the ingest pipeline has something
// concrete to depend on.
package config

import (
	"time"

	"github.com/sonnes/sessionrelay/core"
)

// PresignedURLFunc resolves a presigned upload URL for an object path, when
// the deployment uses presigned uploads instead of bearer-token auth. A nil
// func means presigned uploads are not configured.
type PresignedURLFunc func(objectPath string) (string, bool)

// Config holds every setting enumerated in spec.md §6.
type Config struct {
	File string // required: source NDJSON path
	SID  string // "auto" derives from filename or a time-random token

	Bucket  string // default "sessions"
	BaseURL string // required unless Presigned or DryRun
	Key     string // required unless Presigned or DryRun

	Presigned PresignedURLFunc

	SegBytes uint64 // default 8 MiB
	SegLines uint64 // default 10000
	SegMS    time.Duration // default 10m
	PollMS   time.Duration // default 500ms

	Gzip bool // default true

	SpoolDir string // default "<user-data>/spool"
	StateDir string // default "<spool>/state"

	Concurrency int // default 2

	DryRun bool

	DrainDeadline time.Duration // default 30s
}

// Defaults returns a Config with every documented default applied, plus
// the required fields (File, BaseURL, Key) copied from the given values.
func Defaults(file, baseURL, key string) Config {
	cfg := Config{
		File:          file,
		SID:           "auto",
		Bucket:        "sessions",
		BaseURL:       baseURL,
		Key:           key,
		SegBytes:      8 << 20,
		SegLines:      10_000,
		SegMS:         10 * time.Minute,
		PollMS:        500 * time.Millisecond,
		Gzip:          true,
		Concurrency:   2,
		DrainDeadline: 30 * time.Second,
	}
	cfg.SpoolDir = defaultSpoolDir()
	cfg.StateDir = cfg.SpoolDir + "/state"
	return cfg
}

// Validate returns a *core.ConfigError for the first missing or invalid
// setting, honoring the dry-run and presigned-upload exemptions from
// spec.md §6.
func (c Config) Validate() error {
	if c.File == "" {
		return &core.ConfigError{Field: "file", Msg: "required"}
	}
	if c.SegBytes == 0 {
		return &core.ConfigError{Field: "seg_bytes", Msg: "must be > 0"}
	}
	if c.SegLines == 0 {
		return &core.ConfigError{Field: "seg_lines", Msg: "must be > 0"}
	}
	if c.Concurrency <= 0 {
		return &core.ConfigError{Field: "concurrency", Msg: "must be > 0"}
	}
	if c.DryRun || c.Presigned != nil {
		return nil
	}
	if c.BaseURL == "" {
		return &core.ConfigError{Field: "base_url", Msg: "required unless dry_run or a presigned URL resolver is configured"}
	}
	if c.Key == "" {
		return &core.ConfigError{Field: "key", Msg: "required unless dry_run or a presigned URL resolver is configured"}
	}
	return nil
}
