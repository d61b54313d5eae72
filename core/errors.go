package core

import "fmt"

// ConfigError reports a missing or invalid configuration setting. Fatal at
// startup (spec.md §7).
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// SourceUnavailableError reports that the source NDJSON file could not be
// opened. Fatal only at startup; disappearance after startup is transient
// and handled by the tailer's poll loop, not this error type.
type SourceUnavailableError struct {
	Path string
	Err  error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s: %v", e.Path, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// LocalIOError wraps a failure writing a segment, gzip stream, spool item,
// or manifest cache. No call site retries it: on the ingest path it is
// returned from Controller.Run, which stops the poll loop; on the upload
// path the uploader pool logs it and moves on.
type LocalIOError struct {
	Artifact string
	Err      error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io: %s: %v", e.Artifact, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// TransientUploadError classifies a PUT response as retryable: 408, 425,
// 429, 5xx, timeout, or connect failure.
type TransientUploadError struct {
	Status int
	Err    error
}

func (e *TransientUploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upload error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient upload error (status %d)", e.Status)
}

func (e *TransientUploadError) Unwrap() error { return e.Err }

// CredentialError is a 401/403 response. The spool retains the item and
// the uploader pool engages global pacing until credentials are refreshed
// or the process restarts.
type CredentialError struct {
	Status int
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error (status %d)", e.Status)
}

// PermanentPayloadError is a non-credential 4xx response. The item is
// moved to the poison directory.
type PermanentPayloadError struct {
	Status int
}

func (e *PermanentPayloadError) Error() string {
	return fmt.Sprintf("permanent payload error (status %d)", e.Status)
}

// ParseError reports that an NDJSON line failed to decode as JSON. It is
// never fatal: the line is already durably appended to the open segment,
// and only ts/type side effects are skipped.
type ParseError struct {
	LineIdx uint64
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse line %d: %v", e.LineIdx, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
