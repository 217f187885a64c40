package relay

import "context"

// PaginationState is what a PaginationFragment renders.
type PaginationState struct {
	Data              map[string]any
	HasNext           bool
	HasPrevious       bool
	IsLoadingNext     bool
	IsLoadingPrevious bool
	// IsRefetching is set while a refetch loads. Data is the data read
	// before the refetch until its result is available.
	IsRefetching bool
	FetchPolicy  FetchPolicy
	RenderPolicy RenderPolicy
}

// PaginationOption configures a fragment facade.
type PaginationOption func(*paginationOptions)

type paginationOptions struct {
	strategy PaginationStrategy
}

// WithStrategy sets what loads do with the request they started. The
// default is NonBlocking.
func WithStrategy(s PaginationStrategy) PaginationOption {
	return func(o *paginationOptions) {
		if s != nil {
			o.strategy = s
		}
	}
}

func newPaginationOptions(opts []PaginationOption) paginationOptions {
	o := paginationOptions{strategy: NonBlocking}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PaginationFragment reads a paginated fragment and extends its connection
// in both directions. It can also refetch the fragment with new variables.
type PaginationFragment struct {
	*fragmentView
	strategy PaginationStrategy
	forward  *LoadMoreCoordinator
	backward *LoadMoreCoordinator
}

// NewPaginationFragment creates a facade reading fragment through ref in env.
// fragment must carry pagination metadata.
func NewPaginationFragment(env *Environment, fragment *Fragment, ref *FragmentRef, opts ...PaginationOption) (*PaginationFragment, error) {
	if fragment == nil || fragment.Pagination == nil {
		name := ""
		if fragment != nil {
			name = fragment.Name
		}
		return nil, invariantf(name, "expected fragment to have pagination metadata")
	}
	view, err := newFragmentView(env, fragment, ref)
	if err != nil {
		return nil, err
	}
	o := newPaginationOptions(opts)
	f := &PaginationFragment{fragmentView: view, strategy: o.strategy}

	f.forward, err = NewLoadMoreCoordinator(fragment, LoadMoreConfig{
		Direction: Forward,
		Observer:  view.flagObserver(LoadingNext),
		OnReset:   func() { view.resetFlag(LoadingNext) },
	})
	if err != nil {
		return nil, err
	}
	f.backward, err = NewLoadMoreCoordinator(fragment, LoadMoreConfig{
		Direction: Backward,
		Observer:  view.flagObserver(LoadingPrevious),
		OnReset:   func() { view.resetFlag(LoadingPrevious) },
	})
	if err != nil {
		return nil, err
	}
	if _, err := f.State(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// State reads the fragment and its connection.
func (f *PaginationFragment) State() (PaginationState, error) {
	r, err := f.read()
	if err != nil {
		return PaginationState{}, err
	}
	next, err := f.forward.Sync(r.env, r.ref, r.data)
	if err != nil {
		return PaginationState{}, err
	}
	prev, err := f.backward.Sync(r.env, r.ref, r.data)
	if err != nil {
		return PaginationState{}, err
	}
	rs := f.refetch.State()
	return PaginationState{
		Data:              r.data,
		HasNext:           next.HasMore,
		HasPrevious:       prev.HasMore,
		IsLoadingNext:     f.flag(LoadingNext),
		IsLoadingPrevious: f.flag(LoadingPrevious),
		IsRefetching:      r.refetching,
		FetchPolicy:       rs.FetchPolicy,
		RenderPolicy:      rs.RenderPolicy,
	}, nil
}

// Subscribe calls listener with the new state after every commit.
func (f *PaginationFragment) Subscribe(listener func(PaginationState, error)) Disposable {
	return f.listen(func() {
		listener(f.State())
	})
}

// LoadNext loads count items after the end of the connection.
func (f *PaginationFragment) LoadNext(ctx context.Context, count int, opts ...FetchOption) (*Fetch, error) {
	return f.loadMore(ctx, f.forward, count, opts)
}

// LoadPrevious loads count items before the start of the connection.
func (f *PaginationFragment) LoadPrevious(ctx context.Context, count int, opts ...FetchOption) (*Fetch, error) {
	return f.loadMore(ctx, f.backward, count, opts)
}

func (f *PaginationFragment) loadMore(ctx context.Context, c *LoadMoreCoordinator, count int, opts []FetchOption) (*Fetch, error) {
	if !f.isClosed() {
		if _, err := f.State(); err != nil {
			return nil, err
		}
	}
	fetch, err := c.LoadMore(ctx, count, opts...)
	if err != nil {
		return nil, err
	}
	return fetch, f.strategy.Await(ctx, fetch)
}

// Refetch cancels the loads in flight in both directions and refetches the
// fragment with vars. Once closed, it only warns.
func (f *PaginationFragment) Refetch(ctx context.Context, vars Variables, opts ...FetchOption) (*Fetch, error) {
	if !f.isClosed() {
		f.forward.DisposeFetch()
		f.backward.DisposeFetch()
	}
	return f.doRefetch(ctx, f.strategy, vars, opts)
}

// Close unmounts the facade. Loads in flight keep populating the store.
func (f *PaginationFragment) Close() {
	f.forward.Unmount()
	f.backward.Unmount()
	f.close()
}
