package objectstore

import (
	"context"
	"sync"
)

// Fake is a scriptable in-memory Client for tests that never touch the
// network. Handler, when set, computes the response per call; otherwise
// every call succeeds with Ok.
type Fake struct {
	mu      sync.Mutex
	Handler func(req PutRequest, callIndex int) (Result, int, error)
	Calls   []PutRequest
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Put(_ context.Context, req PutRequest) (Result, int, error) {
	f.mu.Lock()
	idx := len(f.Calls)
	f.Calls = append(f.Calls, req)
	handler := f.Handler
	f.mu.Unlock()

	if handler == nil {
		return Ok, 200, nil
	}
	return handler(req, idx)
}

// CallsFor returns every recorded call whose ObjectPath equals path.
func (f *Fake) CallsFor(path string) []PutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PutRequest
	for _, c := range f.Calls {
		if c.ObjectPath == path {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns the number of Put calls recorded so far.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
