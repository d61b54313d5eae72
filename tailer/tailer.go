// Package tailer implements a polling file reader that emits complete
// NDJSON lines while tolerating rotation and truncation of the source
// file, without ever emitting a partial line (spec.md §4.1).
package tailer

import (
	"bytes"
	"io"
	"os"

	"github.com/sonnes/sessionrelay/core"
)

// Line is one complete line read from the source, with the trailing
// newline (and any CRLF carriage return) already stripped.
type Line struct {
	Bytes []byte
}

// PollResult is the outcome of one poll cycle.
type PollResult struct {
	Lines []Line
	// Rotated reports that the source file was truncated or replaced
	// since the previous poll; the caller must finalize the open
	// segment as a rotation boundary.
	Rotated bool
	// NotFound reports that the source file does not currently exist;
	// this is transient, not fatal, once the tailer has started.
	NotFound bool
}

// RecoverFromEnd tells Open to seek to the current end of the file rather
// than replay it from byte 0.
const RecoverFromEnd int64 = -1

// Tailer polls path for growth, carrying any undelimited remainder across
// polls and detecting rotation via file identity or a size shrink.
type Tailer struct {
	path string

	f        *os.File
	offset   int64
	carry    []byte
	lastInfo os.FileInfo
}

// New returns a Tailer for path. Call Open before the first Poll.
func New(path string) *Tailer {
	return &Tailer{path: path}
}

// Open opens the source file. recoverOffset selects where to resume
// reading: RecoverFromEnd seeks to the current end (the normal cold-start
// behavior — only new lines are tailed), any other value resumes from
// that byte offset (used when recovering a partially-ingested file after
// restart). Failure here is fatal to the controller (spec.md §4.1,
// §7 SourceUnavailableError).
func (t *Tailer) Open(recoverOffset int64) error {
	f, err := os.Open(t.path)
	if err != nil {
		return &core.SourceUnavailableError{Path: t.path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return &core.SourceUnavailableError{Path: t.path, Err: err}
	}

	t.f = f
	t.lastInfo = fi
	t.carry = nil
	if recoverOffset == RecoverFromEnd {
		t.offset = fi.Size()
	} else {
		t.offset = recoverOffset
	}
	return nil
}

// Close releases the underlying file handle, if any.
func (t *Tailer) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// Offset returns the current byte offset into the source file.
func (t *Tailer) Offset() int64 { return t.offset }

// Poll performs one poll cycle (spec.md §4.1). Transient stat/read errors
// are returned for the caller to log and retry on the next poll; they are
// never fatal.
func (t *Tailer) Poll() (PollResult, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.reset()
			return PollResult{NotFound: true}, nil
		}
		return PollResult{}, err
	}

	rotated := t.detectRotation(fi)
	if rotated || t.f == nil {
		if err := t.reopen(fi); err != nil {
			return PollResult{}, err
		}
	}

	if fi.Size() == t.offset {
		t.lastInfo = fi
		return PollResult{Rotated: rotated}, nil
	}

	toRead := fi.Size() - t.offset
	buf := make([]byte, toRead)
	n, err := t.f.ReadAt(buf, t.offset)
	if err != nil && err != io.EOF {
		return PollResult{Rotated: rotated}, err
	}
	buf = buf[:n]
	t.offset += int64(n)
	t.lastInfo = fi

	complete, remainder := splitLines(append(t.carry, buf...))
	t.carry = remainder

	lines := make([]Line, len(complete))
	for i, c := range complete {
		lines[i] = Line{Bytes: c}
	}
	return PollResult{Lines: lines, Rotated: rotated}, nil
}

// detectRotation reports whether the source at path is a different file
// (or has shrunk) since the last observation.
func (t *Tailer) detectRotation(fi os.FileInfo) bool {
	if t.lastInfo == nil {
		return false
	}
	if !os.SameFile(t.lastInfo, fi) {
		return true
	}
	return fi.Size() < t.offset
}

// reset clears state when the source disappears; it will be picked up
// fresh (offset 0, no carry) once recreated.
func (t *Tailer) reset() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	t.offset = 0
	t.carry = nil
	t.lastInfo = nil
}

func (t *Tailer) reopen(fi os.FileInfo) error {
	if t.f != nil {
		t.f.Close()
	}
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.f = f
	t.offset = 0
	t.carry = nil
	t.lastInfo = fi
	return nil
}

// splitLines splits data on '\n', stripping a single trailing '\r' from
// each complete line to accept CRLF input. The final element (possibly
// empty) is returned as the carry for the next poll.
func splitLines(data []byte) (complete [][]byte, carry []byte) {
	parts := bytes.Split(data, []byte("\n"))
	carry = parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		complete = append(complete, bytes.TrimSuffix(p, []byte("\r")))
	}
	return complete, carry
}
