// Package spool implements the durable, crash-safe FIFO of pending
// uploads described in spec.md §4.4: a queue directory holding a payload
// file plus a `<name>.meta.json` descriptor per item, survivable across
// process restarts. Descriptor persistence reuses internal/atomicfile
// (itself generalized from the teacher's manifest.WriteFile); per-item
// claim locking uses github.com/gofrs/flock, grounded on
// harunnryd-heike's internal/store/filelock.go, which locks a shared
// crash-recoverable resource the same way.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/sonnes/sessionrelay/clock"
	"github.com/sonnes/sessionrelay/core"
	"github.com/sonnes/sessionrelay/internal/atomicfile"
)

// Kinds of spooled item, carried in the descriptor so the uploader pool
// can log and the store can coalesce.
const (
	KindSegment    = "segment"
	KindCheckpoint = "checkpoint"
	KindManifest   = "manifest"
)

// descriptor is the on-disk `<name>.meta.json` sidecar for a spooled item.
type descriptor struct {
	Kind            string    `json:"kind"`
	SID             string    `json:"sid,omitempty"`
	DestPath        string    `json:"dest_path"`
	ContentType     string    `json:"content_type"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Item describes one claimed unit of work.
type Item struct {
	Name            string
	Kind            string
	SID             string
	DestPath        string
	ContentType     string
	ContentEncoding string
	Attempts        int
	Payload         []byte
}

// Lease is a held claim on an Item. It must be resolved with Complete,
// Fail, Poison, or Release.
type Lease struct {
	Item Item

	spool       *Spool
	descriptor  descriptor
	payloadPath string
	descPath    string
	lock        *flock.Flock
}

// Spool is a directory-backed FIFO queue with per-item crash recovery.
type Spool struct {
	queueDir  string
	poisonDir string
	clock     clock.Clock

	mu      sync.Mutex
	counter uint64
}

// New creates a Spool rooted at root (spec.md §6: "<spool>/queue",
// "<spool>/poison").
func New(root string, clk clock.Clock) *Spool {
	return &Spool{
		queueDir:  filepath.Join(root, "queue"),
		poisonDir: filepath.Join(root, "poison"),
		clock:     clk,
	}
}

func (s *Spool) nextName(kind string) string {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()
	return fmt.Sprintf("%s-%06d-%s", clock.IDForm(s.clock.Now()), n, kind)
}

func (s *Spool) payloadPath(name string) string { return filepath.Join(s.queueDir, name) }
func (s *Spool) descPath(name string) string    { return s.payloadPath(name) + ".meta.json" }
func (s *Spool) lockPath(name string) string    { return s.payloadPath(name) + ".lock" }

// Enqueue assigns a monotonic name, writes the payload then the
// descriptor (payload-first so a crash never leaves a descriptor
// pointing at a missing payload), and for manifest items coalesces away
// any prior pending manifest item for the same session.
func (s *Spool) Enqueue(kind, sid, destPath, contentType, contentEncoding string, payload []byte) (string, error) {
	if err := os.MkdirAll(s.queueDir, 0o755); err != nil {
		return "", &core.LocalIOError{Artifact: s.queueDir, Err: err}
	}

	name := s.nextName(kind)
	ppath := s.payloadPath(name)
	dpath := s.descPath(name)

	if err := atomicfile.Write(ppath, payload, 0o644); err != nil {
		return "", &core.LocalIOError{Artifact: ppath, Err: err}
	}

	now := s.clock.Now()
	d := descriptor{
		Kind: kind, SID: sid, DestPath: destPath,
		ContentType: contentType, ContentEncoding: contentEncoding,
		NextAttemptAt: now, CreatedAt: now,
	}
	data, err := json.Marshal(d)
	if err != nil {
		os.Remove(ppath)
		return "", err
	}
	if err := atomicfile.Write(dpath, data, 0o644); err != nil {
		os.Remove(ppath)
		return "", &core.LocalIOError{Artifact: dpath, Err: err}
	}

	if kind == KindManifest {
		s.coalesceManifest(sid, name)
	}
	return name, nil
}

// coalesceManifest removes any other pending manifest item for sid, best
// effort: an item currently claimed by an uploader is left alone.
func (s *Spool) coalesceManifest(sid, keep string) {
	entries, err := os.ReadDir(s.queueDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		item := strings.TrimSuffix(name, ".meta.json")
		if item == keep || !strings.HasSuffix(item, "-"+KindManifest) {
			continue
		}
		d, err := readDescriptor(s.descPath(item))
		if err != nil || d.SID != sid {
			continue
		}

		fl := flock.New(s.lockPath(item))
		locked, err := fl.TryLock()
		if err != nil || !locked {
			continue
		}
		os.Remove(s.payloadPath(item))
		os.Remove(s.descPath(item))
		fl.Unlock()
		os.Remove(s.lockPath(item))
	}
}

// Claim returns the oldest eligible item (next_attempt_at <= now) not
// already claimed by another worker, or ok=false if none are ready.
func (s *Spool) Claim() (lease *Lease, ok bool, err error) {
	entries, err := os.ReadDir(s.queueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".meta.json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".meta.json"))
		}
	}
	sort.Strings(names)

	now := s.clock.Now()
	for _, name := range names {
		d, err := readDescriptor(s.descPath(name))
		if err != nil {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}

		fl := flock.New(s.lockPath(name))
		locked, err := fl.TryLock()
		if err != nil || !locked {
			continue
		}

		payload, err := os.ReadFile(s.payloadPath(name))
		if err != nil {
			fl.Unlock()
			continue
		}

		return &Lease{
			Item: Item{
				Name: name, Kind: d.Kind, SID: d.SID, DestPath: d.DestPath,
				ContentType: d.ContentType, ContentEncoding: d.ContentEncoding,
				Attempts: d.Attempts, Payload: payload,
			},
			spool:       s,
			descriptor:  d,
			payloadPath: s.payloadPath(name),
			descPath:    s.descPath(name),
			lock:        fl,
		}, true, nil
	}
	return nil, false, nil
}

// Complete deletes the item's payload and descriptor and releases the
// claim lock.
func (s *Spool) Complete(l *Lease) error {
	os.Remove(l.payloadPath)
	os.Remove(l.descPath)
	return s.release(l)
}

// Fail increments attempts, records err, sets next_attempt_at = now +
// backoff, and releases the claim for a later retry.
func (s *Spool) Fail(l *Lease, cause error, backoff time.Duration) error {
	l.descriptor.Attempts++
	if cause != nil {
		l.descriptor.LastError = cause.Error()
	}
	l.descriptor.NextAttemptAt = s.clock.Now().Add(backoff)

	data, err := json.Marshal(l.descriptor)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(l.descPath, data, 0o644); err != nil {
		return &core.LocalIOError{Artifact: l.descPath, Err: err}
	}
	return s.release(l)
}

// Release gives up the claim without mutating attempts or next_attempt_at
// — used for 401/403 responses, which must not count against the retry
// budget while credentials are paced globally (spec.md §4.5).
func (s *Spool) Release(l *Lease) error {
	return s.release(l)
}

// Poison moves the item's payload and descriptor into the poison
// subdirectory for operator inspection and releases the claim.
func (s *Spool) Poison(l *Lease, cause error) error {
	if err := os.MkdirAll(s.poisonDir, 0o755); err != nil {
		return &core.LocalIOError{Artifact: s.poisonDir, Err: err}
	}

	l.descriptor.Attempts++
	if cause != nil {
		l.descriptor.LastError = cause.Error()
	}
	data, err := json.Marshal(l.descriptor)
	if err == nil {
		atomicfile.Write(filepath.Join(s.poisonDir, l.Item.Name+".meta.json"), data, 0o644)
	}
	if payload, err := os.ReadFile(l.payloadPath); err == nil {
		atomicfile.Write(filepath.Join(s.poisonDir, l.Item.Name), payload, 0o644)
	}

	os.Remove(l.payloadPath)
	os.Remove(l.descPath)
	return s.release(l)
}

func (s *Spool) release(l *Lease) error {
	err := l.lock.Unlock()
	os.Remove(l.lock.Path())
	return err
}

// CleanupOrphans scans the queue at startup, removing leftover atomicfile
// temp files and any item whose payload or descriptor is missing its
// counterpart (spec.md §4.4: "an item without a valid descriptor is
// ignored (and garbage-collected at startup)").
func (s *Spool) CleanupOrphans() error {
	entries, err := os.ReadDir(s.queueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	payloads := map[string]bool{}
	descs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".tmp-") {
			os.Remove(filepath.Join(s.queueDir, name))
			continue
		}
		if strings.HasSuffix(name, ".lock") {
			continue
		}
		if strings.HasSuffix(name, ".meta.json") {
			descs[strings.TrimSuffix(name, ".meta.json")] = true
		} else {
			payloads[name] = true
		}
	}

	for p := range payloads {
		if !descs[p] {
			os.Remove(s.payloadPath(p))
		}
	}
	for d := range descs {
		if !payloads[d] {
			os.Remove(s.descPath(d))
		}
	}
	return nil
}

// List returns every pending item's descriptor without claiming it, for
// startup surfacing and metrics.
func (s *Spool) List() ([]Item, error) {
	entries, err := os.ReadDir(s.queueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var items []Item
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		item := strings.TrimSuffix(name, ".meta.json")
		d, err := readDescriptor(s.descPath(item))
		if err != nil {
			continue
		}
		items = append(items, Item{
			Name: item, Kind: d.Kind, SID: d.SID, DestPath: d.DestPath,
			ContentType: d.ContentType, ContentEncoding: d.ContentEncoding,
			Attempts: d.Attempts,
		})
	}
	return items, nil
}

func readDescriptor(path string) (descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return descriptor{}, err
	}
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return descriptor{}, err
	}
	return d, nil
}
