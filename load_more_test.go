package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/llehouerou/go-graphql-relay"
)

func newCoordinator(t *testing.T, dir relay.Direction, obs relay.FetchObserver) *relay.LoadMoreCoordinator {
	t.Helper()
	c, err := relay.NewLoadMoreCoordinator(friendsFragment(), relay.LoadMoreConfig{Direction: dir, Observer: obs})
	require.NoError(t, err)
	return c
}

func (f *fixture) read(ref *relay.FragmentRef) map[string]any {
	if ref == nil {
		return nil
	}
	return f.env.Lookup(relay.Selector{DataID: ref.DataID, Variables: ref.Variables, Owner: ref.Owner}).Data
}

func TestLoadMoreCoordinator_RequiresPaginationMetadata(t *testing.T) {
	_, err := relay.NewLoadMoreCoordinator(&relay.Fragment{Name: "Plain"}, relay.LoadMoreConfig{})
	require.ErrorIs(t, err, relay.ErrInvariantViolation)
}

func TestLoadMoreCoordinator_SendsPaginationVariables(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, true))
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})

	state, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)
	require.NotNil(t, state.Cursor)
	assert.Equal(t, "c1", *state.Cursor)
	assert.True(t, state.HasMore)

	_, err = c.LoadMore(context.Background(), 1)
	require.NoError(t, err)

	require.Equal(t, 1, f.network.count())
	req := f.network.last(t)
	assert.Equal(t, "FriendsPagination", req.op.Request.Name)
	assert.Equal(t, relay.Variables{
		"id":     "u1",
		"count":  1,
		"cursor": "c1",
		"last":   nil,
		"before": nil,
	}, req.op.Variables)
	assert.True(t, req.op.CacheConfig.Force)
	assert.True(t, c.IsFetching())
}

func TestLoadMoreCoordinator_BackwardUsesStartCursor(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"5", "6"}, false, true))
	c := newCoordinator(t, relay.Backward, relay.FetchObserver{})

	state, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)
	assert.True(t, state.HasMore)

	_, err = c.LoadMore(context.Background(), 2)
	require.NoError(t, err)

	req := f.network.last(t)
	assert.Equal(t, 2, req.op.Variables["last"])
	assert.Equal(t, "c5", req.op.Variables["before"])
	assert.Nil(t, req.op.Variables["count"])
	assert.Nil(t, req.op.Variables["cursor"])
	assert.Equal(t, relay.Backward, req.op.Connection.Direction)
	assert.Equal(t, []string{"node", "friends"}, req.op.Connection.Path)
}

func TestLoadMoreCoordinator_SecondCallWhileFetching(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)

	first, second := &completions{}, &completions{}
	_, err = c.LoadMore(context.Background(), 1, relay.WithOnComplete(first.fn))
	require.NoError(t, err)
	fetch, err := c.LoadMore(context.Background(), 1, relay.WithOnComplete(second.fn))
	require.NoError(t, err)

	assert.Equal(t, 1, f.network.count())
	assert.False(t, fetch.Issued())
	assert.Equal(t, []error{nil}, second.calls())
	assert.Empty(t, first.calls())

	f.network.last(t).respond(map[string]any{"node": userData("u1", friendsPage([]string{"2"}, false, false))})
	assert.Equal(t, []error{nil}, first.calls())
	assert.False(t, c.IsFetching())
}

func TestLoadMoreCoordinator_NullData(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	_, err := c.Sync(f.env, nil, nil)
	require.NoError(t, err)

	done := &completions{}
	fetch, err := c.LoadMore(context.Background(), 1, relay.WithOnComplete(done.fn))
	require.NoError(t, err)

	assert.Zero(t, f.network.count())
	assert.False(t, fetch.Issued())
	assert.Equal(t, []error{nil}, done.calls())
	assert.Equal(t, []relay.WarningCode{relay.WarnFetchWithNullRef}, f.warnings.codes())
}

func TestLoadMoreCoordinator_ParentStillActive(t *testing.T) {
	f := newFixture(t)
	op := relay.NewOperationDescriptor(parentRequest, relay.Variables{"id": "u1", "count": 1, "cursor": nil})
	sub := f.env.Execute(context.Background(), op).Subscribe(relay.Observer{})
	defer sub.Unsubscribe()

	parent := f.network.last(t)
	parent.next(map[string]any{"user": userData("u1", friendsPage([]string{"1"}, true, false))}, true)
	require.True(t, f.env.IsActive(&op))

	ref := &relay.FragmentRef{DataID: "u1", Variables: relay.Variables{"count": 1, "cursor": nil}, Owner: &op}
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)

	done := &completions{}
	_, err = c.LoadMore(context.Background(), 1, relay.WithOnComplete(done.fn))
	require.NoError(t, err)
	assert.Equal(t, 1, f.network.count())
	assert.Equal(t, []error{nil}, done.calls())
	assert.Empty(t, f.warnings.codes())

	parent.complete()
	require.False(t, f.env.IsActive(&op))
	_, err = c.LoadMore(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.network.count())
}

func TestLoadMoreCoordinator_Unmounted(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)
	c.Unmount()

	done := &completions{}
	fetch, err := c.LoadMore(context.Background(), 1, relay.WithOnComplete(done.fn))
	require.NoError(t, err)
	assert.False(t, fetch.Issued())
	assert.Zero(t, f.network.count())
	assert.Empty(t, done.calls())
	assert.Equal(t, []relay.WarningCode{relay.WarnFetchOnUnmounted}, f.warnings.codes())
}

func TestLoadMoreCoordinator_LoadsWithoutMoreItems(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, false, false))
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	state, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)
	require.False(t, state.HasMore)

	_, err = c.LoadMore(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.network.count())
}

func TestLoadMoreCoordinator_RejectsNonPositiveCount(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)

	_, err = c.LoadMore(context.Background(), 0)
	require.ErrorIs(t, err, relay.ErrInvariantViolation)
	assert.Zero(t, f.network.count())
}

func TestLoadMoreCoordinator_ObserverLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		finish func(*fakeRequest)
		want   []string
		err    bool
	}{
		{
			name: "complete",
			finish: func(r *fakeRequest) {
				r.respond(map[string]any{"node": userData("u1", friendsPage([]string{"2"}, false, false))})
			},
			want: []string{"start", "next", "complete"},
		},
		{
			name:   "error",
			finish: func(r *fakeRequest) { r.fail(errors.New("boom")) },
			want:   []string{"start", "error"},
			err:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
			var events []string
			c := newCoordinator(t, relay.Forward, relay.FetchObserver{
				Start:    func() { events = append(events, "start") },
				Next:     func(*relay.Response) { events = append(events, "next") },
				Complete: func() { events = append(events, "complete") },
				Error:    func(error) { events = append(events, "error") },
				Stop:     func() { events = append(events, "stop") },
			})
			_, err := c.Sync(f.env, ref, f.read(ref))
			require.NoError(t, err)

			fetch, err := c.LoadMore(context.Background(), 1)
			require.NoError(t, err)
			tt.finish(f.network.last(t))

			assert.Equal(t, tt.want, events)
			<-fetch.Done()
			if tt.err {
				assert.EqualError(t, fetch.Err(), "boom")
			} else {
				assert.NoError(t, fetch.Err())
			}
		})
	}
}

func TestLoadMoreCoordinator_DisposeKeepsRequest(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	stops := 0
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{Stop: func() { stops++ }})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)

	fetch, err := c.LoadMore(context.Background(), 1)
	require.NoError(t, err)
	fetch.Dispose()

	assert.False(t, c.IsFetching())
	assert.Equal(t, 1, stops)
	req := f.network.last(t)
	assert.Zero(t, req.cancels.Load())

	req.respond(map[string]any{"node": userData("u1", friendsPage([]string{"2"}, false, false))})
	assert.Equal(t, []string{"1", "2"}, nodeIDs(t, f.read(ref)))
}

func TestLoadMoreCoordinator_DisposeFetchCancels(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	stops := 0
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{Stop: func() { stops++ }})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)

	_, err = c.LoadMore(context.Background(), 1)
	require.NoError(t, err)
	c.DisposeFetch()

	assert.Equal(t, int32(1), f.network.last(t).cancels.Load())
	assert.Equal(t, 1, stops)
	assert.False(t, c.IsFetching())
}

func TestLoadMoreCoordinator_ConcurrentCallersStartOneFetch(t *testing.T) {
	const callers = 16
	for round := 0; round < 50; round++ {
		f := newFixture(t)
		ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
		c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
		_, err := c.Sync(f.env, ref, f.read(ref))
		require.NoError(t, err)

		var done completions
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, _ = c.LoadMore(context.Background(), 1,
					relay.WithExtraVariables(relay.Variables{"tag": i}),
					relay.WithOnComplete(done.fn),
				)
			}(i)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, f.network.count(), "round %d: one pagination request", round)
		assert.Len(t, done.calls(), callers-1, "round %d: refused callers complete right away", round)
		assert.True(t, c.IsFetching())

		c.DisposeFetch()
		assert.Equal(t, int32(1), f.network.last(t).cancels.Load(), "round %d", round)
		assert.False(t, c.IsFetching())
	}
}

func TestLoadMoreCoordinator_ResetsOnIdentityChange(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	other := f.seed(t, "u2", friendsPage([]string{"7"}, true, false))

	resets := 0
	c, err := relay.NewLoadMoreCoordinator(friendsFragment(), relay.LoadMoreConfig{
		Direction: relay.Forward,
		OnReset:   func() { resets++ },
	})
	require.NoError(t, err)
	_, err = c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)
	_, err = c.LoadMore(context.Background(), 1)
	require.NoError(t, err)
	stale := f.network.last(t)

	_, err = c.Sync(f.env, other, f.read(other))
	require.NoError(t, err)
	assert.Equal(t, 1, resets)
	assert.Equal(t, int32(1), stale.cancels.Load())
	assert.False(t, c.IsFetching())

	stale.respond(map[string]any{"node": userData("u1", friendsPage([]string{"2"}, false, false))})
	assert.False(t, c.IsFetching())

	_, err = c.LoadMore(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, f.network.count())
	assert.Equal(t, "u2", f.network.last(t).op.Variables["id"])
	assert.Equal(t, "c7", f.network.last(t).op.Variables["cursor"])
}

func TestLoadMoreCoordinator_ExtraVariables(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, true, false))
	c := newCoordinator(t, relay.Forward, relay.FetchObserver{})
	_, err := c.Sync(f.env, ref, f.read(ref))
	require.NoError(t, err)

	_, err = c.LoadMore(context.Background(), 3, relay.WithExtraVariables(relay.Variables{
		"orderBy": "name",
		"count":   50,
	}))
	require.NoError(t, err)

	vars := f.network.last(t).op.Variables
	assert.Equal(t, "name", vars["orderBy"])
	assert.Equal(t, 3, vars["count"])
	assert.Equal(t, []relay.WarningCode{
		relay.WarnPaginationVariableOverride,
		relay.WarnUndeclaredVariable,
	}, f.warnings.codes())
}
