package relay

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// FetchObserver is notified of the lifecycle of the fetch a coordinator
// tracks. Nil callbacks are skipped.
type FetchObserver struct {
	Start    func()
	Next     func(*Response)
	Complete func()
	Error    func(error)
	// Stop is called when tracking ends without a terminal event: the handle
	// was disposed or the fetch was cancelled.
	Stop func()
}

func (o FetchObserver) start() {
	if o.Start != nil {
		o.Start()
	}
}

func (o FetchObserver) next(resp *Response) {
	if o.Next != nil {
		o.Next(resp)
	}
}

func (o FetchObserver) complete() {
	if o.Complete != nil {
		o.Complete()
	}
}

func (o FetchObserver) error(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o FetchObserver) stop() {
	if o.Stop != nil {
		o.Stop()
	}
}

// LoadMoreConfig configures a LoadMoreCoordinator.
type LoadMoreConfig struct {
	Direction Direction
	Observer  FetchObserver
	// OnReset is called after the coordinator reset because the environment
	// or the fragment identity changed.
	OnReset func()
}

// LoadMoreCoordinator extends one end of a connection, with at most one
// request in flight.
//
// The coordinator mirrors the environment and fragment identity it was last
// synced with. When either changes, it cancels the fetch in flight and calls
// OnReset before doing anything else.
type LoadMoreCoordinator struct {
	fragment  *Fragment
	meta      *PaginationMetadata
	direction Direction
	observer  FetchObserver
	onReset   func()
	declared  mapset.Set[string]
	tracker   FetchTracker

	mu          sync.Mutex
	mounted     bool
	initialized bool
	env         *Environment
	ref         *FragmentRef
	data        map[string]any
	mirroredEnv *Environment
	mirroredID  string
}

// NewLoadMoreCoordinator creates a coordinator for fragment, which must
// carry pagination metadata. Sync must be called before LoadMore.
func NewLoadMoreCoordinator(fragment *Fragment, cfg LoadMoreConfig) (*LoadMoreCoordinator, error) {
	if fragment == nil || fragment.Pagination == nil {
		name := ""
		if fragment != nil {
			name = fragment.Name
		}
		return nil, invariantf(name, "expected fragment to have pagination metadata")
	}
	return &LoadMoreCoordinator{
		fragment:  fragment,
		meta:      fragment.Pagination,
		direction: cfg.Direction,
		observer:  cfg.Observer,
		onReset:   cfg.OnReset,
		declared:  declaredVariables(fragment.Pagination.Request),
		mounted:   true,
	}, nil
}

// declaredVariables returns the variable names req declares, or nil when
// its text is absent or does not parse.
func declaredVariables(req Request) mapset.Set[string] {
	if req.Text == "" {
		return nil
	}
	info, err := ParseRequest(req)
	if err != nil {
		return nil
	}
	names := mapset.NewThreadUnsafeSet[string]()
	for name := range info.Variables {
		names.Add(name)
	}
	return names
}

// Sync is the render pass: it records the current environment, fragment
// reference and fragment data, resets on identity change, and returns the
// connection state of the coordinator's direction.
func (c *LoadMoreCoordinator) Sync(env *Environment, ref *FragmentRef, data map[string]any) (ConnectionState, error) {
	c.mu.Lock()
	c.env, c.ref, c.data = env, ref, data
	reset := c.mirrorLocked()
	c.mu.Unlock()

	if reset {
		c.reset()
	}
	return ReadConnectionState(c.direction, data, c.meta.ConnectionPath, c.meta.Fields)
}

// mirrorLocked re-anchors the mirrored identity and reports whether it
// changed since the last pass.
func (c *LoadMoreCoordinator) mirrorLocked() bool {
	id := c.fragment.Identifier(c.ref)
	if c.initialized && c.env == c.mirroredEnv && id == c.mirroredID {
		return false
	}
	changed := c.initialized
	c.initialized = true
	c.mirroredEnv, c.mirroredID = c.env, id
	return changed
}

func (c *LoadMoreCoordinator) reset() {
	c.tracker.Dispose()
	if c.onReset != nil {
		c.onReset()
	}
}

// IsFetching reports whether a request is in flight.
func (c *LoadMoreCoordinator) IsFetching() bool {
	return c.tracker.IsFetching()
}

// DisposeFetch cancels the request in flight, if any.
func (c *LoadMoreCoordinator) DisposeFetch() {
	if c.tracker.Dispose() {
		c.observer.stop()
	}
}

// Unmount marks the owner gone. A request in flight keeps running and still
// populates the store.
func (c *LoadMoreCoordinator) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounted = false
}

func (c *LoadMoreCoordinator) kind() string {
	if c.direction == Backward {
		return kindLoadPrevious
	}
	return kindLoadNext
}

// LoadMore requests count more items in the coordinator's direction.
//
// Calls after unmount warn and do nothing. Calls while a request is in
// flight, while the fragment data is null or while the parent operation is
// still streaming call the completion callback with nil right away and
// issue no request. Request errors are reported to the completion callback;
// the returned error only reports invariant violations.
//
// Disposing the returned handle stops tracking the request without
// cancelling it, so its response still reaches the store.
func (c *LoadMoreCoordinator) LoadMore(ctx context.Context, count int, opts ...FetchOption) (*Fetch, error) {
	o := newFetchOptions(opts)
	if count <= 0 {
		return nil, invariantf(c.fragment.Name, "expected a positive count, got %d", count)
	}

	c.mu.Lock()
	reset := c.mirrorLocked()
	env, ref, data, mounted := c.env, c.ref, c.data, c.mounted
	c.mu.Unlock()
	if reset {
		c.reset()
	}
	if env == nil {
		return nil, invariantf(c.fragment.Name, "load more called before the coordinator was synced")
	}

	kind := c.kind()
	name := c.fragment.Name
	if !mounted {
		env.warn(Warning{
			Code:     WarnFetchOnUnmounted,
			Fragment: name,
			Message:  "unexpected fetch on unmounted fragment; make sure the fragment is still mounted when paginating",
		})
		env.metrics.incNoop(kind, reasonUnmounted)
		return inertFetch(), nil
	}

	// The in-flight check and the start of the fetch are one step: the slot
	// is reserved before anything is subscribed.
	parentActive := env.IsActive(ownerOrNil(ref))
	var gen uint64
	reserved := false
	if data != nil && !parentActive {
		gen, reserved = c.tracker.TryBegin()
	}
	if !reserved {
		fetching := c.tracker.IsFetching()
		if c.fragment.Selector(ref) == nil {
			env.warn(Warning{
				Code:     WarnFetchWithNullRef,
				Fragment: name,
				Message:  "unexpected fetch while using a null fragment ref; make sure the fragment ref is not null when paginating",
			})
		}
		reason := reasonInFlight
		switch {
		case data == nil:
			reason = reasonNullData
		case parentActive && !fetching:
			reason = reasonParentActive
		}
		env.metrics.incNoop(kind, reason)
		o.complete(nil)
		return inertFetch(), nil
	}
	if ref == nil {
		c.tracker.Complete(gen)
		return nil, invariantf(name, "expected a fragment ref for non null fragment data")
	}

	state, err := ReadConnectionState(c.direction, data, c.meta.ConnectionPath, c.meta.Fields)
	if err != nil {
		c.tracker.Complete(gen)
		return nil, err
	}
	vars, err := BuildPaginationVariables(PaginationVariablesInput{
		Direction:    c.direction,
		Count:        count,
		Cursor:       state.Cursor,
		Base:         ownerVariables(ref).Merge(ref.Variables),
		Extra:        o.extra,
		Declared:     c.declared,
		Metadata:     c.meta,
		FragmentData: data,
		Fragment:     name,
		Warn:         env.warn,
	})
	if err != nil {
		c.tracker.Complete(gen)
		return nil, err
	}

	path := make([]string, 0, len(c.meta.FragmentPathInResult)+len(c.meta.ConnectionPath))
	path = append(path, c.meta.FragmentPathInResult...)
	path = append(path, c.meta.ConnectionPath...)
	opOpts := []OperationOption{
		WithForce(),
		WithConnectionUpdate(&ConnectionUpdate{Path: path, Direction: c.direction, Fields: c.meta.Fields.WithDefaults()}),
	}
	if len(c.meta.FragmentPathInResult) == 0 {
		opOpts = append(opOpts, WithRootDataID(ref.DataID))
	}
	op := NewOperationDescriptor(c.meta.Request, vars, opOpts...)

	log := env.logger.With().
		Str("fragment", name).
		Str("direction", c.direction.String()).
		Str("operation", op.Request.Key()).
		Str("fetch_id", uuid.NewString()).
		Logger()

	fetch := newFetch()
	env.fetchQuery(ctx, op, kind).Subscribe(Observer{
		Start: func(sub Subscription) {
			if !c.tracker.Attach(gen, sub) {
				// Disposed between the reservation and the subscription.
				sub.Unsubscribe()
				return
			}
			log.Debug().Int("count", count).Msg("pagination fetch started")
			c.observer.start()
		},
		Next: func(resp *Response) {
			c.observer.next(resp)
			fetch.resolveFirst()
		},
		Complete: func() {
			if c.tracker.Complete(gen) {
				c.observer.complete()
			}
			log.Debug().Msg("pagination fetch completed")
			fetch.finish(nil)
			o.complete(nil)
		},
		Error: func(err error) {
			if c.tracker.Complete(gen) {
				c.observer.error(err)
			}
			log.Debug().Err(err).Msg("pagination fetch failed")
			fetch.finish(err)
			o.complete(err)
		},
		Unsubscribe: func(Subscription) {
			log.Debug().Msg("pagination fetch cancelled")
			fetch.finish(nil)
		},
	})
	fetch.setDispose(func() {
		if c.tracker.Release(gen) {
			log.Debug().Msg("pagination fetch released")
			c.observer.stop()
		}
	})
	return fetch, nil
}

func ownerOrNil(ref *FragmentRef) *OperationDescriptor {
	if ref == nil {
		return nil
	}
	return ref.Owner
}
