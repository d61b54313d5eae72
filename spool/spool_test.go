package spool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonnes/sessionrelay/clock"
)

func TestEnqueueThenClaimRoundTrips(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	name, err := s.Enqueue(KindSegment, "sess-1", "sessions/sess-1/segments/session-000001.jsonl.gz",
		"application/octet-stream", "gzip", []byte("payload-bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	lease, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", lease.Item.SID)
	assert.Equal(t, []byte("payload-bytes"), lease.Item.Payload)
	assert.Equal(t, "gzip", lease.Item.ContentEncoding)

	_, ok2, err := s.Claim()
	require.NoError(t, err)
	assert.False(t, ok2, "item already claimed must not be claimable again")

	require.NoError(t, s.Complete(lease))

	_, err = os.Stat(filepath.Join(dir, "queue", name))
	assert.True(t, os.IsNotExist(err))
}

func TestClaimReturnsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	_, err := s.Enqueue(KindSegment, "sess-1", "a", "application/octet-stream", "", []byte("first"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.Enqueue(KindSegment, "sess-1", "b", "application/octet-stream", "", []byte("second"))
	require.NoError(t, err)

	lease, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), lease.Item.Payload)
}

func TestFailSetsBackoffAndAttempts(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	_, err := s.Enqueue(KindSegment, "sess-1", "a", "application/octet-stream", "", []byte("x"))
	require.NoError(t, err)

	lease, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Fail(lease, errors.New("boom"), 5*time.Second))

	_, ok2, err := s.Claim()
	require.NoError(t, err)
	assert.False(t, ok2, "item backing off must not be claimable yet")

	clk.Advance(6 * time.Second)
	lease2, ok3, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok3)
	assert.Equal(t, 1, lease2.Item.Attempts)
}

func TestReleaseDoesNotIncrementAttempts(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	_, err := s.Enqueue(KindSegment, "sess-1", "a", "application/octet-stream", "", []byte("x"))
	require.NoError(t, err)

	lease, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Release(lease))

	lease2, ok2, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, 0, lease2.Item.Attempts)
}

func TestPoisonMovesItemOutOfQueue(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	name, err := s.Enqueue(KindSegment, "sess-1", "a", "application/octet-stream", "", []byte("x"))
	require.NoError(t, err)

	lease, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Poison(lease, errors.New("bad request")))

	_, err = os.Stat(filepath.Join(dir, "queue", name))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "poison", name))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "poison", name+".meta.json"))
	assert.NoError(t, err)
}

func TestEnqueueManifestCoalescesPriorPending(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	first, err := s.Enqueue(KindManifest, "sess-1", "sessions/sess-1/manifest.json", "application/json", "", []byte(`{"v":1}`))
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := s.Enqueue(KindManifest, "sess-1", "sessions/sess-1/manifest.json", "application/json", "", []byte(`{"v":2}`))
	require.NoError(t, err)

	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, second, items[0].Name)

	_, err = os.Stat(filepath.Join(dir, "queue", first+".meta.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnqueueManifestDoesNotCoalesceOtherSessions(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	_, err := s.Enqueue(KindManifest, "sess-1", "sessions/sess-1/manifest.json", "application/json", "", []byte(`{}`))
	require.NoError(t, err)
	_, err = s.Enqueue(KindManifest, "sess-2", "sessions/sess-2/manifest.json", "application/json", "", []byte(`{}`))
	require.NoError(t, err)

	items, err := s.List()
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCleanupOrphansRemovesUnpairedFiles(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)
	queueDir := filepath.Join(dir, "queue")
	require.NoError(t, os.MkdirAll(queueDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(queueDir, "orphan-payload"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(queueDir, "orphan-desc.meta.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(queueDir, ".tmp-stale"), []byte("x"), 0o644))

	require.NoError(t, s.CleanupOrphans())

	entries, err := os.ReadDir(queueDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListDoesNotClaim(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	s := New(dir, clk)

	_, err := s.Enqueue(KindCheckpoint, "sess-1", "sessions/sess-1/checkpoints/c1.json", "application/json", "", []byte("{}"))
	require.NoError(t, err)

	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)

	lease, ok, err := s.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, items[0].Name, lease.Item.Name)
}
