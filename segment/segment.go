// Package segment owns the single currently open segment file: appending
// complete NDJSON lines, tracking rotation thresholds, and finalizing a
// closed segment into an uploadable (optionally gzipped) artifact
// (spec.md §4.2).
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sonnes/sessionrelay/clock"
	"github.com/sonnes/sessionrelay/core"
)

// Thresholds configures when a segment becomes eligible for rotation.
type Thresholds struct {
	SegBytes uint64
	SegLines uint64
	SegMS    time.Duration
}

// DefaultThresholds returns the documented defaults (spec.md §4.2).
func DefaultThresholds() Thresholds {
	return Thresholds{
		SegBytes: 8 << 20,
		SegLines: 10_000,
		SegMS:    10 * time.Minute,
	}
}

// Closed describes a finalized segment ready to be enqueued for upload.
type Closed struct {
	Seq               uint32
	LocalPath         string // final artifact: <dir>/session-<seq6>.jsonl[.gz]
	Gzipped           bool
	Lines             uint64
	BytesUncompressed uint64
	BytesGzip         *uint64
	FirstTS           *float64
	LastTS            *float64
}

// ToEntry builds the manifest SegmentEntry for this closed segment. path is
// the remote object path (spec.md §6), distinct from LocalPath.
func (c Closed) ToEntry(path string) core.SegmentEntry {
	return core.SegmentEntry{
		Seq:               c.Seq,
		Path:              path,
		FirstTS:           c.FirstTS,
		LastTS:            c.LastTS,
		Lines:             c.Lines,
		BytesUncompressed: c.BytesUncompressed,
		BytesGzip:         c.BytesGzip,
	}
}

// Writer owns the currently open segment. Only one segment is open at a
// time; callers Finalize the current one and Open the next.
type Writer struct {
	dir        string
	clock      clock.Clock
	gzip       bool
	thresholds Thresholds

	seq     uint32
	file    *os.File
	path    string
	lines   uint64
	bytesU  uint64
	opened  time.Time
	firstTS *float64
	lastTS  *float64
	forced  bool
}

// NewWriter creates a Writer rooted at dir. Call Open to start the first
// segment.
func NewWriter(dir string, clk clock.Clock, gzipEnabled bool, th Thresholds) *Writer {
	return &Writer{dir: dir, clock: clk, gzip: gzipEnabled, thresholds: th}
}

// segmentFileName returns the local file name for seq, zero-padded to 6
// digits per spec.md §3.
func segmentFileName(seq uint32) string {
	return fmt.Sprintf("session-%06d.jsonl", seq)
}

// Open starts a new open segment with the given seq, discarding any
// counters from a previous segment (which must already have been
// finalized).
func (w *Writer) Open(seq uint32) error {
	path := filepath.Join(w.dir, segmentFileName(seq))
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return &core.LocalIOError{Artifact: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &core.LocalIOError{Artifact: path, Err: err}
	}

	w.seq = seq
	w.file = f
	w.path = path
	w.lines = 0
	w.bytesU = 0
	w.opened = w.clock.Now()
	w.firstTS = nil
	w.lastTS = nil
	w.forced = false
	return nil
}

// Seq returns the currently open segment's sequence number.
func (w *Writer) Seq() uint32 { return w.seq }

// Lines returns the number of lines appended to the currently open segment.
func (w *Writer) Lines() uint64 { return w.lines }

// HasContent reports whether any line has been appended to the currently
// open segment (used by shutdown drain to skip an empty final rotation).
func (w *Writer) HasContent() bool { return w.lines > 0 }

// Append writes line followed by a newline to the open segment and
// returns the 0-based line index assigned to it, plus whether a rotation
// threshold is now met.
func (w *Writer) Append(line []byte) (lineIdx uint64, rotate bool, err error) {
	n, err := w.file.Write(line)
	if err != nil {
		return 0, false, &core.LocalIOError{Artifact: w.path, Err: err}
	}
	if _, err := w.file.Write([]byte{'\n'}); err != nil {
		return 0, false, &core.LocalIOError{Artifact: w.path, Err: err}
	}

	idx := w.lines
	w.lines++
	w.bytesU += uint64(n) + 1
	return idx, w.shouldRotate(), nil
}

// ObserveTimestamp sets FirstTS if unset and always updates LastTS.
func (w *Writer) ObserveTimestamp(ts float64) {
	if w.firstTS == nil {
		v := ts
		w.firstTS = &v
	}
	v := ts
	w.lastTS = &v
}

// ForceRotate marks the open segment for rotation regardless of
// thresholds — used for compaction lines. On source-file truncation the
// ingest controller finalizes the segment directly instead.
func (w *Writer) ForceRotate() { w.forced = true }

func (w *Writer) shouldRotate() bool {
	if w.forced {
		return true
	}
	if w.bytesU >= w.thresholds.SegBytes {
		return true
	}
	if w.lines >= w.thresholds.SegLines {
		return true
	}
	return w.clock.Now().Sub(w.opened) >= w.thresholds.SegMS
}

// Finalize flushes and closes the open segment file. If gzip is enabled it
// streams the file through a gzip encoder to a sibling .gz file, records
// BytesGzip, and deletes the uncompressed source.
func (w *Writer) Finalize() (Closed, error) {
	if err := w.file.Close(); err != nil {
		return Closed{}, &core.LocalIOError{Artifact: w.path, Err: err}
	}

	closed := Closed{
		Seq:               w.seq,
		LocalPath:         w.path,
		Lines:             w.lines,
		BytesUncompressed: w.bytesU,
		FirstTS:           w.firstTS,
		LastTS:            w.lastTS,
	}

	if !w.gzip {
		return closed, nil
	}

	gzPath := w.path + ".gz"
	gzBytes, err := gzipFile(w.path, gzPath)
	if err != nil {
		return Closed{}, &core.LocalIOError{Artifact: gzPath, Err: err}
	}
	if err := os.Remove(w.path); err != nil {
		return Closed{}, &core.LocalIOError{Artifact: w.path, Err: err}
	}

	closed.LocalPath = gzPath
	closed.Gzipped = true
	closed.BytesGzip = &gzBytes
	return closed, nil
}

// gzipFile streams src through a single gzip member into dst, returning
// the number of compressed bytes written.
func gzipFile(src, dst string) (uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	gw := gzip.NewWriter(out)
	_, copyErr := io.Copy(gw, in)
	closeErr := gw.Close()
	if err := out.Close(); err != nil && closeErr == nil {
		closeErr = err
	}

	if copyErr != nil {
		return 0, copyErr
	}
	if closeErr != nil {
		return 0, closeErr
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}
