// Package objectstore is the minimal idempotent-PUT abstraction the
// uploader pool drives (spec.md §4.6). A single operation, Put, surfaces
// whether the failure is transient, a credential problem, or permanent for
// the payload.
package objectstore

import "context"

// Result classifies the outcome of a Put call.
type Result int

const (
	Ok Result = iota
	Transient
	PermanentCreds
	PermanentOther
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Transient:
		return "transient"
	case PermanentCreds:
		return "permanent_creds"
	case PermanentOther:
		return "permanent_other"
	default:
		return "unknown"
	}
}

// PutRequest describes one upload.
type PutRequest struct {
	Bucket          string
	ObjectPath      string
	ContentType     string
	ContentEncoding string // optional, e.g. "gzip"
	Body            []byte

	// PresignedURL, when set, is PUT to directly with no bucket/object
	// path interpolation and no Authorization header (spec.md §6).
	PresignedURL string
}

// Client performs one idempotent PUT per call.
type Client interface {
	Put(ctx context.Context, req PutRequest) (Result, int, error)
}
