package relay

import "context"

// RefetchableState is what a RefetchableFragment renders.
type RefetchableState struct {
	Data         map[string]any
	IsRefetching bool
	FetchPolicy  FetchPolicy
	RenderPolicy RenderPolicy
}

// RefetchableFragment reads a fragment that can be refetched with new
// variables.
type RefetchableFragment struct {
	*fragmentView
	strategy PaginationStrategy
}

// NewRefetchableFragment creates a facade reading fragment through ref in
// env. fragment must carry refetch or pagination metadata.
func NewRefetchableFragment(env *Environment, fragment *Fragment, ref *FragmentRef, opts ...PaginationOption) (*RefetchableFragment, error) {
	view, err := newFragmentView(env, fragment, ref)
	if err != nil {
		return nil, err
	}
	o := newPaginationOptions(opts)
	f := &RefetchableFragment{fragmentView: view, strategy: o.strategy}
	if _, err := f.State(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// State reads the fragment.
func (f *RefetchableFragment) State() (RefetchableState, error) {
	r, err := f.read()
	if err != nil {
		return RefetchableState{}, err
	}
	rs := f.refetch.State()
	return RefetchableState{
		Data:         r.data,
		IsRefetching: r.refetching,
		FetchPolicy:  rs.FetchPolicy,
		RenderPolicy: rs.RenderPolicy,
	}, nil
}

// Subscribe calls listener with the new state after every commit.
func (f *RefetchableFragment) Subscribe(listener func(RefetchableState, error)) Disposable {
	return f.listen(func() {
		listener(f.State())
	})
}

// Refetch refetches the fragment with vars.
func (f *RefetchableFragment) Refetch(ctx context.Context, vars Variables, opts ...FetchOption) (*Fetch, error) {
	return f.doRefetch(ctx, f.strategy, vars, opts)
}

// Close unmounts the facade and disposes the current refetch.
func (f *RefetchableFragment) Close() {
	f.close()
}
