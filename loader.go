package relay

import (
	"context"
	"sync"
)

// FetchPolicy decides whether a load reads the store, the network or both.
type FetchPolicy string

const (
	// StoreOrNetwork uses the store when the data is available and the
	// network otherwise.
	StoreOrNetwork FetchPolicy = "store-or-network"
	// StoreAndNetwork uses the store when available and always fetches.
	StoreAndNetwork FetchPolicy = "store-and-network"
	// NetworkOnly always fetches and waits for the network.
	NetworkOnly FetchPolicy = "network-only"
	// StoreOnly never fetches.
	StoreOnly FetchPolicy = "store-only"
)

// RenderPolicy decides whether partially available data is rendered while
// the rest is fetched.
type RenderPolicy string

const (
	RenderPartial RenderPolicy = "partial"
	RenderFull    RenderPolicy = "full"
)

// QueryHandle is a loaded query. It retains the operation in the store and
// tracks its network request, if any, until disposed.
type QueryHandle struct {
	env    *Environment
	op     OperationDescriptor
	policy FetchPolicy
	retain Disposable

	firstOnce sync.Once
	first     chan struct{}
	done      chan struct{}

	mu         sync.Mutex
	sub        Subscription
	err        error
	disposed   bool
	finished   bool
	gotPayload bool
	onComplete []func(error)
}

// LoadQuery loads op according to policy. onComplete, if not nil, is called
// once when the load is over: immediately when no request is needed,
// otherwise on completion or failure of the request.
func LoadQuery(ctx context.Context, env *Environment, op OperationDescriptor, policy FetchPolicy, onComplete func(error)) *QueryHandle {
	return loadQuery(ctx, env, op, policy, kindQuery, onComplete)
}

func loadQuery(ctx context.Context, env *Environment, op OperationDescriptor, policy FetchPolicy, kind string, onComplete func(error)) *QueryHandle {
	if policy == "" {
		policy = StoreOrNetwork
	}
	h := &QueryHandle{
		env:    env,
		op:     op,
		policy: policy,
		retain: env.Retain(op),
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if onComplete != nil {
		h.onComplete = append(h.onComplete, onComplete)
	}

	needsNetwork := false
	switch policy {
	case StoreOnly:
	case StoreOrNetwork:
		needsNetwork = !env.store.Check(op)
	default:
		needsNetwork = true
	}
	if !needsNetwork {
		h.finish(nil)
		return h
	}

	sub := env.fetchQuery(ctx, op, kind).Subscribe(Observer{
		Next: func(*Response) {
			h.mu.Lock()
			h.gotPayload = true
			h.mu.Unlock()
			h.resolveFirst()
		},
		Error:    func(err error) { h.finish(err) },
		Complete: func() { h.finish(nil) },
	})

	h.mu.Lock()
	if !h.finished && !h.disposed {
		h.sub = sub
	}
	h.mu.Unlock()
	return h
}

// Operation returns the loaded operation.
func (h *QueryHandle) Operation() OperationDescriptor {
	return h.op
}

// Policy returns the fetch policy of the load.
func (h *QueryHandle) Policy() FetchPolicy {
	return h.policy
}

// Available reports whether the data of the operation can be read. With
// NetworkOnly, data already in the store only counts once the request
// delivered a payload or finished.
func (h *QueryHandle) Available() bool {
	h.mu.Lock()
	settled := h.gotPayload || h.finished
	h.mu.Unlock()
	if h.policy == NetworkOnly && !settled {
		return false
	}
	return h.env.store.Check(h.op)
}

// Pending reports whether the data is unavailable while a request runs.
func (h *QueryHandle) Pending() bool {
	h.mu.Lock()
	running := !h.finished && !h.disposed
	h.mu.Unlock()
	return running && !h.Available()
}

// Err returns the error the request failed with.
func (h *QueryHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the first payload, the end of the load or ctx is done.
func (h *QueryHandle) Wait(ctx context.Context) error {
	select {
	case <-h.first:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the load is over.
func (h *QueryHandle) Done() <-chan struct{} {
	return h.done
}

// Dispose cancels the request, if still running, and releases the retain.
// The completion callback is not called for a disposed load.
func (h *QueryHandle) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	sub := h.sub
	h.sub = nil
	h.onComplete = nil
	h.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	h.retain.Dispose()
	h.finish(nil)
}

func (h *QueryHandle) resolveFirst() {
	h.firstOnce.Do(func() { close(h.first) })
}

func (h *QueryHandle) finish(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.err = err
	h.sub = nil
	cbs := h.onComplete
	h.onComplete = nil
	h.mu.Unlock()

	h.resolveFirst()
	close(h.done)
	for _, cb := range cbs {
		cb(err)
	}
}
