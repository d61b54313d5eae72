package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonnes/sessionrelay/clock"
	"github.com/sonnes/sessionrelay/core"
)

func TestBeginOrResumeFreshSession(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, clk, nil)

	m, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)
	assert.Equal(t, core.ManifestVersion, m.Version)
	assert.Equal(t, "sess-1", m.SID)
	assert.Equal(t, uint32(1), m.ActiveSeq)
	assert.Empty(t, m.Segments)
	assert.Empty(t, m.Checkpoints)
}

func TestBeginOrResumeFromCache(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk, nil)

	_, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)
	require.NoError(t, s.AddSegment(core.SegmentEntry{Seq: 1, Path: "segments/session-000001.jsonl.gz", Lines: 5}))
	require.NoError(t, s.AddSegment(core.SegmentEntry{Seq: 2, Path: "segments/session-000002.jsonl.gz", Lines: 3}))

	s2 := New(dir, clk, nil)
	m, err := s2.BeginOrResume("sess-1")
	require.NoError(t, err)
	assert.Len(t, m.Segments, 2)
	assert.Equal(t, uint32(3), m.ActiveSeq)
}

func TestAddSegmentRejectsNonMonotoneSeq(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk, nil)
	_, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)

	require.NoError(t, s.AddSegment(core.SegmentEntry{Seq: 1}))
	err = s.AddSegment(core.SegmentEntry{Seq: 1})
	assert.Error(t, err)
	err = s.AddSegment(core.SegmentEntry{Seq: 0})
	assert.Error(t, err)
}

func TestAddCheckpointOrdersByTS(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk, nil)
	_, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)
	require.NoError(t, s.AddSegment(core.SegmentEntry{Seq: 1}))

	require.NoError(t, s.AddCheckpoint(core.Checkpoint{ID: "c2", Seq: 1, TS: 20}))
	require.NoError(t, s.AddCheckpoint(core.Checkpoint{ID: "c1", Seq: 1, TS: 10}))
	require.NoError(t, s.AddCheckpoint(core.Checkpoint{ID: "c3", Seq: 1, TS: 30}))

	m := s.Current()
	require.Len(t, m.Checkpoints, 3)
	assert.Equal(t, "c1", m.Checkpoints[0].ID)
	assert.Equal(t, "c2", m.Checkpoints[1].ID)
	assert.Equal(t, "c3", m.Checkpoints[2].ID)
}

func TestAddCheckpointRejectsUnknownSegment(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk, nil)
	_, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)
	require.NoError(t, s.AddSegment(core.SegmentEntry{Seq: 1}))

	err = s.AddCheckpoint(core.Checkpoint{ID: "c1", Seq: 5, TS: 10})
	assert.Error(t, err)
}

func TestSnapshotBytesStableKeyOrder(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, clk, nil)
	_, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)

	data, err := s.SnapshotBytes()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	var m core.Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "sess-1", m.SID)

	idxVersion := indexOf(string(data), `"version"`)
	idxSID := indexOf(string(data), `"sid"`)
	idxCreated := indexOf(string(data), `"created_at"`)
	idxSegments := indexOf(string(data), `"segments"`)
	assert.True(t, idxVersion < idxSID)
	assert.True(t, idxSID < idxCreated)
	assert.True(t, idxCreated < idxSegments)
}

func TestPersistWritesCacheAndInvokesOnUpload(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())

	var uploaded []byte
	var uploadedSID string
	s := New(dir, clk, func(sid string, snapshot []byte) error {
		uploadedSID = sid
		uploaded = snapshot
		return nil
	})

	_, err := s.BeginOrResume("sess-1")
	require.NoError(t, err)
	require.NoError(t, s.AddSegment(core.SegmentEntry{Seq: 1}))

	assert.Equal(t, "sess-1", uploadedSID)
	require.NotEmpty(t, uploaded)

	cachePath := filepath.Join(dir, "sess-1", "manifest.json")
	onDisk, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, uploaded, onDisk)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
