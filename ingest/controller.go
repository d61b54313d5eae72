// Package ingest binds the tailer, segment writer, manifest store, and
// spool into the state machine described in spec.md §4.7: per-line
// processing, atomic rotation, and graceful shutdown drain.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sonnes/sessionrelay/clock"
	"github.com/sonnes/sessionrelay/core"
	"github.com/sonnes/sessionrelay/manifest"
	"github.com/sonnes/sessionrelay/redact"
	"github.com/sonnes/sessionrelay/segment"
	"github.com/sonnes/sessionrelay/spool"
	"github.com/sonnes/sessionrelay/tailer"
)

// pendingCheckpoint is captured when a "compacted" line is seen and
// resolved into a core.Checkpoint at the next rotation.
type pendingCheckpoint struct {
	lineIdx uint64
	ts      float64
	git     string
	label   string
}

// Controller owns one session's ingest pipeline: it is not safe for
// concurrent use from more than one goroutine.
type Controller struct {
	sid  string
	tail *tailer.Tailer
	seg  *segment.Writer
	man  *manifest.Store
	sp   *spool.Spool
	clk  clock.Clock

	pollInterval time.Duration

	pending *pendingCheckpoint
}

// New wires a Controller for session sid. man must already have completed
// BeginOrResume, and seg must already have Open'd its first segment
// (seq = man.Current().ActiveSeq) before Run is called.
func New(sid string, tail *tailer.Tailer, seg *segment.Writer, man *manifest.Store, sp *spool.Spool, clk clock.Clock, pollInterval time.Duration) *Controller {
	return &Controller{sid: sid, tail: tail, seg: seg, man: man, sp: sp, clk: clk, pollInterval: pollInterval}
}

// Run drives the poll loop until ctx is cancelled, then performs the
// shutdown drain (final rotation of any open segment with content) and
// returns.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return c.drain()
		default:
		}

		res, err := c.tail.Poll()
		if err != nil {
			slog.Warn("tail poll failed, retrying", "sid", c.sid, "error", redact.Scrub(err.Error()))
		} else {
			if res.NotFound {
				slog.Warn("source file not found, waiting for it to reappear", "sid", c.sid)
			}
			if res.Rotated && c.seg.HasContent() {
				if err := c.rotate(); err != nil {
					return err
				}
			}
			for _, line := range res.Lines {
				if err := c.processLine(line.Bytes); err != nil {
					return err
				}
			}
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.drain()
		case <-timer.C:
		}
	}
}

// processLine appends line to the open segment, inspects it for a
// timestamp and a "compacted" checkpoint marker, and rotates if the
// append pushed the segment over threshold or the line forced rotation.
func (c *Controller) processLine(line []byte) error {
	idx, rotate, err := c.seg.Append(line)
	if err != nil {
		return err
	}

	ev, ok := core.ParseLineEvent(line)
	if !ok {
		slog.Warn("failed to parse line as JSON, byte content preserved", "sid", c.sid, "line_idx", idx)
	} else {
		if ev.TS != nil {
			c.seg.ObserveTimestamp(*ev.TS)
		}
		if ev.Compacted() {
			ts := 0.0
			if ev.TS != nil {
				ts = *ev.TS
			}
			c.pending = &pendingCheckpoint{lineIdx: idx, ts: ts, git: ev.DetailGit, label: ev.DetailLabel}
			c.seg.ForceRotate()
			rotate = true
		}
	}

	if rotate {
		return c.rotate()
	}
	return nil
}

// rotate finalizes the open segment and, in order, enqueues the segment
// upload, folds it into the manifest, resolves any pending checkpoint
// (enqueuing its upload before folding it into the manifest), and opens
// the next segment. This ordering satisfies spec.md §4.7's guarantee that
// a checkpoint's segment is enqueued before the checkpoint, which is
// enqueued before the manifest update referencing both.
func (c *Controller) rotate() error {
	closed, err := c.seg.Finalize()
	if err != nil {
		return err
	}

	base := filepath.Base(closed.LocalPath)
	segPath := fmt.Sprintf("sessions/%s/segments/%s", c.sid, base)
	contentEncoding := ""
	if closed.Gzipped {
		contentEncoding = "gzip"
	}

	payload, err := os.ReadFile(closed.LocalPath)
	if err != nil {
		return &core.LocalIOError{Artifact: closed.LocalPath, Err: err}
	}
	if _, err := c.sp.Enqueue(spool.KindSegment, c.sid, segPath, "application/octet-stream", contentEncoding, payload); err != nil {
		return err
	}

	entry := closed.ToEntry(segPath)
	if err := c.man.AddSegment(entry); err != nil {
		return err
	}

	if c.pending != nil {
		p := c.pending
		c.pending = nil

		id := clock.CheckpointID(c.clk.Now(), c.checkpointExists)
		cp := core.Checkpoint{ID: id, Label: p.label, Seq: entry.Seq, LineIdx: p.lineIdx, TS: p.ts, Git: p.git}

		ckData, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		ckPath := fmt.Sprintf("sessions/%s/checkpoints/%s.json", c.sid, id)
		if _, err := c.sp.Enqueue(spool.KindCheckpoint, c.sid, ckPath, "application/json", "", ckData); err != nil {
			return err
		}
		if err := c.man.AddCheckpoint(cp); err != nil {
			return err
		}
	}

	return c.seg.Open(entry.Seq + 1)
}

func (c *Controller) checkpointExists(id string) bool {
	for _, cp := range c.man.Current().Checkpoints {
		if cp.ID == id {
			return true
		}
	}
	return false
}

// drain performs the final rotation of any open segment with content, so
// nothing is lost when Run returns on shutdown.
func (c *Controller) drain() error {
	if !c.seg.HasContent() {
		return nil
	}
	return c.rotate()
}

// WaitForEmpty blocks until the spool has no pending items or ctx/deadline
// elapses, whichever comes first. It reports whether the spool drained in
// time (spec.md §4.7: "wait up to a configurable drain deadline").
func WaitForEmpty(ctx context.Context, sp *spool.Spool, deadline time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		items, err := sp.List()
		if err == nil && len(items) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
