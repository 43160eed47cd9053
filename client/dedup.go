package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-reliability/types"
)

// Handle is the shared completion of one in-flight request.
type Handle struct {
	done     chan struct{}
	response *types.Response
	err      error
	waiters  atomic.Int32
}

// Wait blocks until the shared call completes or ctx ends. Leaving early
// affects only this caller.
func (h *Handle) Wait(ctx context.Context) (*types.Response, error) {
	select {
	case <-h.done:
		return h.response, h.err
	case <-ctx.Done():
		h.waiters.Add(-1)
		return nil, ctx.Err()
	}
}

func (h *Handle) Waiters() int {
	return int(h.waiters.Load())
}

// Registry maps fingerprints to in-flight handles. At most one handle exists per fingerprint.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Handle),
	}
}

// Acquire returns the handle for fingerprint. owner is true when the caller
// created it and must dispatch the request and call Complete.
func (r *Registry) Acquire(fingerprint string) (handle *Handle, owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[fingerprint]; ok {
		existing.waiters.Add(1)
		return existing, false
	}

	handle = &Handle{done: make(chan struct{})}
	handle.waiters.Store(1)
	r.entries[fingerprint] = handle
	return handle, true
}

// Complete broadcasts the outcome to every waiter and removes the entry.
func (r *Registry) Complete(fingerprint string, response *types.Response, err error) {
	r.mu.Lock()
	handle, ok := r.entries[fingerprint]
	if ok {
		delete(r.entries, fingerprint)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	handle.response = response
	handle.err = err
	close(handle.done)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
