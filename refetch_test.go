package relay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/llehouerou/go-graphql-relay"
)

var refetchRequest = relay.Request{
	Name: "ProfileRefetch",
	Text: `query ProfileRefetch($id: ID!, $size: Int) {
  node(id: $id) { id __typename ...Profile_user }
}`,
}

func profileFragment() *relay.Fragment {
	return &relay.Fragment{
		Name: "Profile_user",
		Refetch: &relay.RefetchMetadata{
			Request:              refetchRequest,
			IdentifierField:      "id",
			FragmentPathInResult: []string{"node"},
		},
	}
}

func newRefetchable(t *testing.T, f *fixture, fragment *relay.Fragment, ref *relay.FragmentRef) *relay.RefetchableFragment {
	t.Helper()
	r, err := relay.NewRefetchableFragment(f.env, fragment, ref)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func profile(id, typename string) map[string]any {
	return map[string]any{"id": id, "__typename": typename, "name": "user " + id}
}

func TestRefetchableFragment_Refetch(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage([]string{"1"}, false, false))
	r := newRefetchable(t, f, profileFragment(), ref)

	done := &completions{}
	fetch, err := r.Refetch(context.Background(), relay.Variables{"size": 64}, relay.WithOnComplete(done.fn))
	require.NoError(t, err)
	require.True(t, fetch.Issued())

	require.Equal(t, 1, f.network.count())
	req := f.network.last(t)
	assert.Equal(t, "ProfileRefetch", req.op.Request.Name)
	assert.Equal(t, "u1", req.op.Variables["id"])
	assert.Equal(t, 64, req.op.Variables["size"])
	assert.True(t, req.op.CacheConfig.Force)

	s, err := r.State()
	require.NoError(t, err)
	assert.True(t, s.IsRefetching)
	assert.Equal(t, "u1", s.Data["id"])

	req.respond(map[string]any{"node": map[string]any{"id": "u1", "__typename": "User", "name": "renamed"}})

	s, err = r.State()
	require.NoError(t, err)
	assert.False(t, s.IsRefetching)
	assert.Equal(t, "renamed", s.Data["name"])
	assert.Equal(t, []error{nil}, done.calls())
	<-fetch.Done()
	assert.NoError(t, fetch.Err())
}

func TestRefetchableFragment_RefetchOtherRecord(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	r := newRefetchable(t, f, profileFragment(), ref)

	_, err := r.Refetch(context.Background(), relay.Variables{"id": "u2"})
	require.NoError(t, err)
	f.network.last(t).respond(map[string]any{"node": profile("u2", "User")})

	s, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, "u2", s.Data["id"])
	assert.Empty(t, f.warnings.codes())
}

func TestRefetchableFragment_IdentityCheck(t *testing.T) {
	tests := []struct {
		name    string
		devMode bool
		node    map[string]any
		want    []relay.WarningCode
	}{
		{
			name:    "same record",
			devMode: true,
			node:    profile("u1", "User"),
			want:    []relay.WarningCode{},
		},
		{
			name:    "different id",
			devMode: true,
			node:    profile("u9", "User"),
			want:    []relay.WarningCode{relay.WarnRefetchDifferentID},
		},
		{
			name:    "different type",
			devMode: true,
			node:    profile("u1", "Page"),
			want:    []relay.WarningCode{relay.WarnRefetchDifferentType},
		},
		{
			name: "checks off outside dev mode",
			node: profile("u9", "User"),
			want: []relay.WarningCode{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []fixtureOption
			if tt.devMode {
				opts = append(opts, withDevMode())
			}
			f := newFixture(t, opts...)
			ref := f.seed(t, "u1", friendsPage(nil, false, false))
			r := newRefetchable(t, f, profileFragment(), ref)

			_, err := r.Refetch(context.Background(), nil)
			require.NoError(t, err)
			f.network.last(t).respond(map[string]any{"node": tt.node})

			assert.Equal(t, tt.want, f.warnings.codes())
		})
	}
}

func TestRefetchableFragment_IdentifierNotString(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	fragment := profileFragment()
	fragment.Refetch.IdentifierField = "legacyId"
	fragment.Refetch.IdentifierQueryVariableName = "legacy"
	r := newRefetchable(t, f, fragment, ref)

	_, err := r.Refetch(context.Background(), nil)
	require.NoError(t, err)

	vars := f.network.last(t).op.Variables
	assert.Contains(t, vars, "legacy")
	assert.Nil(t, vars["legacy"])
	assert.Equal(t, []relay.WarningCode{relay.WarnIdentifierNotString}, f.warnings.codes())
}

func TestRefetchableFragment_Policies(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	r := newRefetchable(t, f, profileFragment(), ref)

	done := &completions{}
	fetch, err := r.Refetch(context.Background(), nil,
		relay.WithFetchPolicy(relay.StoreOnly),
		relay.WithRenderPolicy(relay.RenderFull),
		relay.WithOnComplete(done.fn),
	)
	require.NoError(t, err)
	<-fetch.Done()

	assert.Zero(t, f.network.count())
	assert.Equal(t, []error{nil}, done.calls())

	s, err := r.State()
	require.NoError(t, err)
	assert.False(t, s.IsRefetching)
	assert.Equal(t, relay.StoreOnly, s.FetchPolicy)
	assert.Equal(t, relay.RenderFull, s.RenderPolicy)
	assert.Equal(t, "u1", s.Data["id"])
}

func TestRefetchableFragment_Error(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	r := newRefetchable(t, f, profileFragment(), ref)

	done := &completions{}
	_, err := r.Refetch(context.Background(), nil, relay.WithOnComplete(done.fn))
	require.NoError(t, err)

	boom := errors.New("unreachable")
	f.network.last(t).fail(boom)

	require.Len(t, done.calls(), 1)
	assert.ErrorIs(t, done.calls()[0], boom)
	_, err = r.State()
	assert.ErrorIs(t, err, boom)

	// A new parent reference clears the failed refetch.
	r.SetFragmentRef(f.seed(t, "u2", friendsPage(nil, false, false)))
	s, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, "u2", s.Data["id"])
}

func TestRefetchableFragment_DisposeCancels(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	r := newRefetchable(t, f, profileFragment(), ref)

	done := &completions{}
	fetch, err := r.Refetch(context.Background(), nil, relay.WithOnComplete(done.fn))
	require.NoError(t, err)
	fetch.Dispose()

	assert.Equal(t, int32(1), f.network.last(t).cancels.Load())
	assert.Empty(t, done.calls())
	s, err := r.State()
	require.NoError(t, err)
	assert.False(t, s.IsRefetching)
	assert.Equal(t, "u1", s.Data["id"])
}

func TestRefetchableFragment_SecondRefetchReplacesFirst(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	r := newRefetchable(t, f, profileFragment(), ref)

	_, err := r.Refetch(context.Background(), relay.Variables{"size": 1})
	require.NoError(t, err)
	first := f.network.last(t)
	_, err = r.Refetch(context.Background(), relay.Variables{"size": 2})
	require.NoError(t, err)
	second := f.network.last(t)

	assert.Equal(t, int32(1), first.cancels.Load())
	assert.Zero(t, second.cancels.Load())
	assert.Equal(t, 2, second.op.Variables["size"])
}

func TestRefetchCoordinator_SyncResetsState(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, "u1", friendsPage(nil, false, false))
	other := f.seed(t, "u2", friendsPage(nil, false, false))

	c, err := relay.NewRefetchCoordinator(profileFragment())
	require.NoError(t, err)
	c.Sync(f.env, ref)

	_, err = c.Refetch(context.Background(), relay.Variables{"size": 3})
	require.NoError(t, err)
	require.NotNil(t, c.State().RefetchQuery)
	assert.True(t, c.IsRefetching())

	_, pending, err := c.FragmentRef()
	require.NoError(t, err)
	assert.True(t, pending)

	c.Sync(f.env, other)
	assert.Nil(t, c.State().RefetchQuery)
	assert.Equal(t, f.env, c.State().MirroredEnvironment)
	assert.False(t, c.IsRefetching())
	assert.Equal(t, int32(1), f.network.last(t).cancels.Load())

	got, pending, err := c.FragmentRef()
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, other, got)
}

func TestRefetchCoordinator_Guards(t *testing.T) {
	_, err := relay.NewRefetchCoordinator(&relay.Fragment{Name: "Plain"})
	require.ErrorIs(t, err, relay.ErrInvariantViolation)

	c, err := relay.NewRefetchCoordinator(profileFragment())
	require.NoError(t, err)
	_, err = c.Refetch(context.Background(), nil)
	require.ErrorIs(t, err, relay.ErrInvariantViolation)

	f := newFixture(t)
	c.Sync(f.env, nil)
	_, err = c.Refetch(context.Background(), relay.Variables{"id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, []relay.WarningCode{relay.WarnRefetchWithNullRef}, f.warnings.codes())
	assert.Equal(t, "u1", f.network.last(t).op.Variables["id"])

	c.Unmount()
	fetch, err := c.Refetch(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, fetch.Issued())
	assert.Equal(t, 1, f.network.count())
}
