// Package uploader drains the spool concurrently with a bounded worker
// count and an exponential-backoff retry policy (spec.md §4.5). Per-attempt
// trace ids use github.com/oklog/ulid/v2, grounded on
// harunnryd-heike/internal/orchestrator/session/manager.go, which mints
// ulid.Make().String() ids for the same purpose: a monotonic, sortable,
// log-friendly correlation id.
package uploader

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sonnes/sessionrelay/clock"
	"github.com/sonnes/sessionrelay/config"
	"github.com/sonnes/sessionrelay/core"
	"github.com/sonnes/sessionrelay/objectstore"
	"github.com/sonnes/sessionrelay/redact"
	"github.com/sonnes/sessionrelay/spool"
)

// DefaultCredentialPace is how long the pool backs off globally after a
// 401/403 response, absent credential refresh or restart (spec.md §4.5).
const DefaultCredentialPace = 30 * time.Second

// Pool drains a Spool with a bounded number of concurrent workers.
type Pool struct {
	spool       *spool.Spool
	client      objectstore.Client
	bucket      string
	presign     config.PresignedURLFunc
	concurrency int
	clock       clock.Clock
	dryRun      bool

	credentialPace time.Duration

	mu              sync.Mutex
	credentialUntil time.Time
	rng             *rand.Rand
}

// New creates a Pool. concurrency <= 0 is treated as 1.
func New(sp *spool.Spool, client objectstore.Client, bucket string, concurrency int, clk clock.Clock, presign config.PresignedURLFunc, dryRun bool) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		spool:          sp,
		client:         client,
		bucket:         bucket,
		presign:        presign,
		concurrency:    concurrency,
		clock:          clk,
		dryRun:         dryRun,
		credentialPace: DefaultCredentialPace,
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Run starts concurrency worker goroutines that claim and upload items
// until ctx is cancelled. It returns once every worker has exited.
func (p *Pool) Run(ctx context.Context, pollInterval time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, pollInterval)
		}()
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := p.Attempt(ctx)
		if err != nil {
			slog.Error("spool claim failed", "error", redact.Scrub(err.Error()))
		}
		if claimed {
			continue
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Attempt claims a single item, if one is ready, and drives it through
// the upload protocol. It reports whether an item was claimed.
func (p *Pool) Attempt(ctx context.Context) (bool, error) {
	if p.pacing() {
		return false, nil
	}

	lease, ok, err := p.spool.Claim()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	p.upload(ctx, lease)
	return true, nil
}

func (p *Pool) upload(ctx context.Context, lease *spool.Lease) {
	traceID := ulid.Make().String()
	item := lease.Item

	if p.dryRun {
		slog.Info("dry run: skipping upload", "trace", traceID, "dest", item.DestPath)
		if err := p.spool.Complete(lease); err != nil {
			slog.Error("spool complete failed", "trace", traceID, "error", err)
		}
		return
	}

	req := objectstore.PutRequest{
		Bucket:          p.bucket,
		ObjectPath:      item.DestPath,
		ContentType:     item.ContentType,
		ContentEncoding: item.ContentEncoding,
		Body:            item.Payload,
	}
	if p.presign != nil {
		if url, ok := p.presign(item.DestPath); ok {
			req.PresignedURL = url
		}
	}

	result, status, err := p.client.Put(ctx, req)

	switch result {
	case objectstore.Ok:
		if cerr := p.spool.Complete(lease); cerr != nil {
			slog.Error("spool complete failed", "trace", traceID, "dest", item.DestPath, "error", cerr)
			return
		}
		slog.Info("upload complete", "trace", traceID, "dest", item.DestPath, "status", status, "kind", item.Kind)

	case objectstore.PermanentCreds:
		p.engagePacing()
		if rerr := p.spool.Release(lease); rerr != nil {
			slog.Error("spool release failed", "trace", traceID, "error", rerr)
		}
		slog.Warn("upload rejected for credentials", "trace", traceID, "dest", item.DestPath, "status", status)

	case objectstore.PermanentOther:
		cause := err
		if cause == nil {
			cause = &core.PermanentPayloadError{Status: status}
		}
		if perr := p.spool.Poison(lease, cause); perr != nil {
			slog.Error("spool poison failed", "trace", traceID, "error", perr)
		}
		slog.Warn("upload permanently rejected, moved to poison", "trace", traceID, "dest", item.DestPath, "status", status)

	default: // Transient
		delay := backoff(item.Attempts, p.rng)
		cause := err
		if cause == nil {
			cause = &core.TransientUploadError{Status: status}
		}
		if ferr := p.spool.Fail(lease, cause, delay); ferr != nil {
			slog.Error("spool fail failed", "trace", traceID, "error", ferr)
		}
		slog.Warn("upload transient failure, retrying", "trace", traceID, "dest", item.DestPath, "status", status, "backoff", delay)
	}
}

func (p *Pool) engagePacing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentialUntil = p.clock.Now().Add(p.credentialPace)
}

func (p *Pool) pacing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock.Now().Before(p.credentialUntil)
}
