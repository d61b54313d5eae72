package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sonnes/sessionrelay/redact"
)

// HTTPClient implements Client against the wire format in spec.md §6:
//
//	PUT {base_url}/storage/v1/object/{bucket}/{object_path}
//	Authorization: Bearer <key>
//	x-upsert: true
//	Content-Type: <type>
//	Content-Encoding: gzip   (optional)
//
// or, when req.PresignedURL is set, a plain PUT to that URL with no
// Authorization header.
type HTTPClient struct {
	BaseURL string
	Key     string

	// HTTP is the underlying transport. Defaults to http.DefaultClient
	// if nil (set via NewHTTPClient).
	HTTP *http.Client

	// Deadline bounds each individual PUT (spec.md §5). Defaults to 30s.
	Deadline time.Duration
}

// NewHTTPClient returns an HTTPClient with the documented defaults.
func NewHTTPClient(baseURL, key string) *HTTPClient {
	return &HTTPClient{
		BaseURL:  baseURL,
		Key:      key,
		HTTP:     &http.Client{},
		Deadline: 30 * time.Second,
	}
}

func (c *HTTPClient) url(req PutRequest) string {
	if req.PresignedURL != "" {
		return req.PresignedURL
	}
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", c.BaseURL, req.Bucket, req.ObjectPath)
}

// Put performs one idempotent PUT and classifies the outcome.
func (c *HTTPClient) Put(ctx context.Context, req PutRequest) (Result, int, error) {
	deadline := c.Deadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(req), bytes.NewReader(req.Body))
	if err != nil {
		return Transient, 0, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", req.ContentType)
	if req.ContentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	if req.PresignedURL == "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Key)
		httpReq.Header.Set("x-upsert", "true")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// Connect/timeout failures are transient regardless of status;
		// scrub before returning since the error can embed the request
		// URL (including any presigned query string).
		return Transient, 0, fmt.Errorf("put %s: %s", req.ObjectPath, redact.Scrub(err.Error()))
	}
	defer resp.Body.Close()

	return classify(resp.StatusCode), resp.StatusCode, nil
}

// classify maps an HTTP status code to a Result per spec.md §4.5/§4.6.
func classify(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Ok
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return PermanentCreds
	case status == http.StatusRequestTimeout ||
		status == 425 || // Too Early
		status == http.StatusTooManyRequests ||
		status >= 500:
		return Transient
	case status >= 400 && status < 500:
		return PermanentOther
	default:
		return Transient
	}
}
