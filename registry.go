package relay

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RegistrySource loads the request registered under key.
type RegistrySource func(ctx context.Context, key string) (Request, error)

// OperationRegistry maps persisted request keys to their requests. It is
// injected through Config so tests and environments never share one.
type OperationRegistry struct {
	mu        sync.Mutex
	entries   map[string]Request
	callbacks map[string]map[uint64]func(Request)
	nextID    uint64

	source RegistrySource
	group  singleflight.Group
}

// NewOperationRegistry creates an empty registry. When source is not nil,
// Fetch loads missing keys through it; concurrent loads of one key share a
// single call.
func NewOperationRegistry(source RegistrySource) *OperationRegistry {
	return &OperationRegistry{
		entries:   make(map[string]Request),
		callbacks: make(map[string]map[uint64]func(Request)),
		source:    source,
	}
}

// Set registers req under key and notifies the OnLoad callbacks of key.
func (r *OperationRegistry) Set(key string, req Request) {
	r.mu.Lock()
	r.entries[key] = req
	cbs := make([]func(Request), 0, len(r.callbacks[key]))
	for _, cb := range r.callbacks[key] {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(req)
	}
}

// Get returns the request registered under key.
func (r *OperationRegistry) Get(key string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[key]
	return req, ok
}

// OnLoad calls fn every time a request is registered under key, until the
// returned Disposable is disposed.
func (r *OperationRegistry) OnLoad(key string, fn func(Request)) Disposable {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.callbacks[key] == nil {
		r.callbacks[key] = make(map[uint64]func(Request))
	}
	r.callbacks[key][id] = fn
	r.mu.Unlock()

	return DisposableFunc(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.callbacks[key], id)
		if len(r.callbacks[key]) == 0 {
			delete(r.callbacks, key)
		}
	})
}

// Clear removes every entry. Callbacks stay registered.
func (r *OperationRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Request)
}

// Fetch returns the request registered under key, loading it from the
// source when missing. Without a source it waits for a Set of key or for ctx
// to be done.
func (r *OperationRegistry) Fetch(ctx context.Context, key string) (Request, error) {
	if req, ok := r.Get(key); ok {
		return req, nil
	}

	if r.source == nil {
		loaded := make(chan Request, 1)
		d := r.OnLoad(key, func(req Request) {
			select {
			case loaded <- req:
			default:
			}
		})
		defer d.Dispose()

		if req, ok := r.Get(key); ok {
			return req, nil
		}
		select {
		case req := <-loaded:
			return req, nil
		case <-ctx.Done():
			return Request{}, fmt.Errorf("relay: wait for request %q: %w", key, ctx.Err())
		}
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if req, ok := r.Get(key); ok {
			return req, nil
		}
		req, err := r.source(ctx, key)
		if err != nil {
			return nil, err
		}
		if req.ID == "" {
			req.ID = key
		}
		r.Set(key, req)
		return req, nil
	})
	if err != nil {
		return Request{}, fmt.Errorf("relay: load request %q: %w", key, err)
	}
	return v.(Request), nil
}
