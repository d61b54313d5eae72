// Package manifest holds the authoritative in-memory manifest for one
// session, write-through caches it to disk, and produces the canonical
// JSON snapshot uploaded alongside segments (spec.md §4.3). Adapted from
// the teacher's manifest.Manifest (ReadFile/WriteFile/Upsert over a flat
// list of ManifestEntry keyed by session id) into append-only, monotone
// -seq mutation of a single session's segments and checkpoints.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sonnes/sessionrelay/clock"
	"github.com/sonnes/sessionrelay/core"
	"github.com/sonnes/sessionrelay/internal/atomicfile"
)

// OnUpload is invoked after every mutation has been written to the local
// cache, with the just-produced snapshot. Whoever assembles the pipeline
// (the ingest scenario harness, for one) wires this to enqueue a coalesced
// manifest upload on the spool.
type OnUpload func(sid string, snapshot []byte) error

// Store owns the authoritative Manifest for one session and keeps a local
// cache file in sync with every mutation.
type Store struct {
	stateDir string
	clock    clock.Clock
	onUpload OnUpload

	m core.Manifest
}

// New creates a Store rooted at stateDir (spec.md §6: "<state_dir>/<sid>/manifest.json").
// onUpload may be nil, in which case mutations are cached locally only.
func New(stateDir string, clk clock.Clock, onUpload OnUpload) *Store {
	return &Store{stateDir: stateDir, clock: clk, onUpload: onUpload}
}

func (s *Store) cachePath(sid string) string {
	return filepath.Join(s.stateDir, sid, "manifest.json")
}

// BeginOrResume loads the cached manifest for sid if present, else creates
// a fresh one. On resume, active_seq is set to max(segments.seq)+1.
func (s *Store) BeginOrResume(sid string) (core.Manifest, error) {
	path := s.cachePath(sid)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return core.Manifest{}, &core.LocalIOError{Artifact: path, Err: err}
		}
		now := s.clock.Now()
		s.m = core.Manifest{
			Version:     core.ManifestVersion,
			SID:         sid,
			CreatedAt:   now,
			UpdatedAt:   now,
			ActiveSeq:   1,
			Segments:    []core.SegmentEntry{},
			Checkpoints: []core.Checkpoint{},
		}
		return s.m, nil
	}

	var m core.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return core.Manifest{}, &core.LocalIOError{Artifact: path, Err: err}
	}
	m.ActiveSeq = m.LastSeq() + 1
	s.m = m
	return s.m, nil
}

// AddSegment appends entry, enforcing strictly increasing seq, updates
// updated_at, advances active_seq past it, writes the local cache, and
// enqueues an upload.
func (s *Store) AddSegment(entry core.SegmentEntry) error {
	if len(s.m.Segments) > 0 {
		last := s.m.Segments[len(s.m.Segments)-1].Seq
		if entry.Seq <= last {
			return fmt.Errorf("manifest: non-monotone segment seq %d after %d", entry.Seq, last)
		}
	}

	s.m.Segments = append(s.m.Segments, entry)
	s.m.ActiveSeq = entry.Seq + 1
	s.m.UpdatedAt = s.clock.Now()
	return s.persist()
}

// AddCheckpoint inserts cp preserving ts-ascending order. It rejects
// checkpoints referencing a segment seq that hasn't been added yet.
func (s *Store) AddCheckpoint(cp core.Checkpoint) error {
	if cp.Seq > s.m.LastSeq() {
		return fmt.Errorf("manifest: checkpoint %s references unknown segment seq %d", cp.ID, cp.Seq)
	}

	i := sort.Search(len(s.m.Checkpoints), func(i int) bool {
		return s.m.Checkpoints[i].TS > cp.TS
	})
	s.m.Checkpoints = append(s.m.Checkpoints, core.Checkpoint{})
	copy(s.m.Checkpoints[i+1:], s.m.Checkpoints[i:])
	s.m.Checkpoints[i] = cp

	s.m.UpdatedAt = s.clock.Now()
	return s.persist()
}

// SnapshotBytes returns the canonical, two-space-indented JSON snapshot of
// the current manifest. Field order follows core.Manifest's declaration
// order: version, sid, created_at, updated_at, active_seq, segments,
// checkpoints.
func (s *Store) SnapshotBytes() ([]byte, error) {
	data, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Current returns a copy of the in-memory manifest.
func (s *Store) Current() core.Manifest { return s.m }

func (s *Store) persist() error {
	snapshot, err := s.SnapshotBytes()
	if err != nil {
		return err
	}

	path := s.cachePath(s.m.SID)
	if err := atomicfile.Write(path, snapshot, 0o644); err != nil {
		return &core.LocalIOError{Artifact: path, Err: err}
	}

	if s.onUpload != nil {
		return s.onUpload(s.m.SID, snapshot)
	}
	return nil
}
