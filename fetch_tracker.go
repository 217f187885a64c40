package relay

import "sync"

// FetchTracker tracks the fetch in flight for one logical subscription.
//
// Every Start opens a new generation. Complete and Release only act on the
// generation they are given, so events of a fetch that was replaced or
// disposed never clear the state of a newer one.
type FetchTracker struct {
	mu         sync.Mutex
	sub        Subscription
	fetching   bool
	generation uint64
}

// Start records sub as the fetch in flight and returns its generation. A
// fetch already tracked is replaced without being unsubscribed.
func (t *FetchTracker) Start(sub Subscription) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	t.sub = sub
	t.fetching = true
	return t.generation
}

// TryBegin reserves the tracker for a new fetch when none is in flight. The
// subscription is attached later with Attach; until then Dispose and
// Complete act on the reservation like on any other fetch.
func (t *FetchTracker) TryBegin() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fetching {
		return 0, false
	}
	t.generation++
	t.sub = nil
	t.fetching = true
	return t.generation, true
}

// Attach records sub for the reservation of generation gen. It reports false
// when the reservation was disposed or completed in the meantime; the caller
// owns sub then and must unsubscribe it.
func (t *FetchTracker) Attach(gen uint64, sub Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fetching || gen != t.generation {
		return false
	}
	t.sub = sub
	return true
}

// Complete marks the fetch of generation gen finished without unsubscribing.
// It reports whether gen was the fetch in flight.
func (t *FetchTracker) Complete(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fetching || gen != t.generation {
		return false
	}
	t.sub = nil
	t.fetching = false
	return true
}

// Release forgets the fetch of generation gen without unsubscribing it. The
// request keeps running and still populates the store. It reports whether
// gen was the fetch in flight.
func (t *FetchTracker) Release(gen uint64) bool {
	return t.Complete(gen)
}

// Dispose unsubscribes the fetch in flight, if any, and clears the state.
// It reports whether a fetch was in flight.
func (t *FetchTracker) Dispose() bool {
	t.mu.Lock()
	sub, fetching := t.sub, t.fetching
	t.sub = nil
	t.fetching = false
	t.generation++
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	return fetching
}

// IsFetching reports whether a fetch is in flight.
func (t *FetchTracker) IsFetching() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetching
}
