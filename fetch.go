package relay

import (
	"context"
	"sync"
)

// Fetch is the handle returned by LoadMore and Refetch calls.
//
// Wait blocks until the first payload or a terminal event; Done is closed on
// the terminal event. Handles of calls that issued no request are inert: they
// are already resolved and Dispose does nothing.
type Fetch struct {
	issued bool
	query  *QueryHandle

	firstOnce sync.Once
	first     chan struct{}
	doneOnce  sync.Once
	done      chan struct{}

	mu      sync.Mutex
	err     error
	dispose func()
	dOnce   sync.Once
}

func newFetch() *Fetch {
	return &Fetch{
		issued: true,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func queryFetch(h *QueryHandle) *Fetch {
	f := newFetch()
	f.query = h
	f.dispose = h.Dispose
	return f
}

func inertFetch() *Fetch {
	f := &Fetch{first: make(chan struct{}), done: make(chan struct{})}
	close(f.first)
	close(f.done)
	return f
}

// Issued reports whether the call started a request.
func (f *Fetch) Issued() bool {
	return f.issued
}

// Wait blocks until the first payload arrives, the fetch terminates or ctx is
// done. It returns the request error, if the fetch failed before any payload.
func (f *Fetch) Wait(ctx context.Context) error {
	if f.query != nil {
		return f.query.Wait(ctx)
	}
	select {
	case <-f.first:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the fetch completes, fails or is disposed.
func (f *Fetch) Done() <-chan struct{} {
	if f.query != nil {
		return f.query.Done()
	}
	return f.done
}

// Err returns the error the fetch failed with.
func (f *Fetch) Err() error {
	if f.query != nil {
		return f.query.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Dispose stops tracking the fetch. See LoadMoreCoordinator.LoadMore and
// RefetchCoordinator.Refetch for what happens to the request.
func (f *Fetch) Dispose() {
	f.dOnce.Do(func() {
		f.mu.Lock()
		fn := f.dispose
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
		f.finish(nil)
	})
}

func (f *Fetch) setDispose(fn func()) {
	f.mu.Lock()
	f.dispose = fn
	f.mu.Unlock()
}

func (f *Fetch) resolveFirst() {
	f.firstOnce.Do(func() { close(f.first) })
}

func (f *Fetch) finish(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		f.resolveFirst()
		close(f.done)
	})
}
