package relay_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/store"
)

// fakeRequest is one Execute call seen by fakeNetwork.
type fakeRequest struct {
	op       relay.OperationDescriptor
	sink     relay.Sink
	finished atomic.Bool
	cancels  atomic.Int32
}

func (r *fakeRequest) next(data map[string]any, hasNext bool) {
	r.sink.Next(&relay.Response{Data: data, HasNext: hasNext})
}

func (r *fakeRequest) respond(data map[string]any) {
	r.finished.Store(true)
	r.sink.Next(&relay.Response{Data: data})
	r.sink.Complete()
}

func (r *fakeRequest) complete() {
	r.finished.Store(true)
	r.sink.Complete()
}

func (r *fakeRequest) fail(err error) {
	r.finished.Store(true)
	r.sink.Error(err)
}

// fakeNetwork records every request and leaves answering them to the test.
type fakeNetwork struct {
	mu       sync.Mutex
	requests []*fakeRequest
}

func (n *fakeNetwork) Execute(_ context.Context, op relay.OperationDescriptor) relay.Observable {
	return relay.NewObservable(func(sink relay.Sink) func() {
		req := &fakeRequest{op: op, sink: sink}
		n.mu.Lock()
		n.requests = append(n.requests, req)
		n.mu.Unlock()
		return func() {
			if !req.finished.Load() {
				req.cancels.Add(1)
			}
		}
	})
}

func (n *fakeNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func (n *fakeNetwork) last(t *testing.T) *fakeRequest {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.requests, "no request was executed")
	return n.requests[len(n.requests)-1]
}

// warnings collects the warnings of an environment.
type warnings struct {
	mu   sync.Mutex
	list []relay.Warning
}

func (w *warnings) add(warning relay.Warning) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.list = append(w.list, warning)
}

func (w *warnings) codes() []relay.WarningCode {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]relay.WarningCode, 0, len(w.list))
	for _, warning := range w.list {
		out = append(out, warning.Code)
	}
	return out
}

type fixture struct {
	network  *fakeNetwork
	store    *store.Store
	env      *relay.Environment
	warnings *warnings
	registry *prometheus.Registry
}

type fixtureOption func(*relay.Config)

func withScheduler(s relay.Scheduler) fixtureOption {
	return func(c *relay.Config) { c.Scheduler = s }
}

func withDevMode() fixtureOption {
	return func(c *relay.Config) { c.DevMode = true }
}

func withRegistry(r *relay.OperationRegistry) fixtureOption {
	return func(c *relay.Config) { c.Registry = r }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		network:  &fakeNetwork{},
		store:    store.New(),
		warnings: &warnings{},
		registry: prometheus.NewRegistry(),
	}
	logger := zerolog.Nop()
	cfg := relay.Config{
		Network:   f.network,
		Store:     f.store,
		Logger:    &logger,
		Metrics:   relay.NewMetrics(f.registry),
		OnWarning: f.warnings.add,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env, err := relay.NewEnvironment(cfg)
	require.NoError(t, err)
	f.env = env
	return f
}

var (
	parentRequest = relay.Request{
		Name: "UserQuery",
		Text: `query UserQuery($id: ID!, $count: Int, $cursor: String) {
  user(id: $id) { id __typename name ...FriendsList_user }
}`,
	}
	paginationRequest = relay.Request{
		Name: "FriendsPagination",
		Text: `query FriendsPagination($id: ID!, $count: Int, $cursor: String, $last: Int, $before: String) {
  node(id: $id) { id __typename ...FriendsList_user }
}`,
	}
)

func friendsFragment() *relay.Fragment {
	return &relay.Fragment{
		Name:      "FriendsList_user",
		Arguments: []string{"count", "cursor"},
		Pagination: &relay.PaginationMetadata{
			RefetchMetadata: relay.RefetchMetadata{
				Request:              paginationRequest,
				IdentifierField:      "id",
				FragmentPathInResult: []string{"node"},
			},
			ConnectionPath: []string{"friends"},
			Forward:        &relay.DirectionVariables{Count: "count", Cursor: "cursor"},
			Backward:       &relay.DirectionVariables{Count: "last", Cursor: "before"},
		},
	}
}

// friendsPage builds a connection holding one edge per id.
func friendsPage(ids []string, hasNext, hasPrevious bool) map[string]any {
	edges := make([]any, 0, len(ids))
	for _, id := range ids {
		edges = append(edges, map[string]any{
			"cursor": "c" + id,
			"node":   map[string]any{"id": id, "__typename": "User", "name": "friend " + id},
		})
	}
	pageInfo := map[string]any{
		"hasNextPage":     hasNext,
		"hasPreviousPage": hasPrevious,
		"startCursor":     nil,
		"endCursor":       nil,
	}
	if len(ids) > 0 {
		pageInfo["startCursor"] = "c" + ids[0]
		pageInfo["endCursor"] = "c" + ids[len(ids)-1]
	}
	return map[string]any{"edges": edges, "pageInfo": pageInfo}
}

func userData(id string, friends map[string]any) map[string]any {
	return map[string]any{
		"id":         id,
		"__typename": "User",
		"name":       fmt.Sprintf("user %s", id),
		"friends":    friends,
	}
}

// seed publishes the parent query with friends and returns the reference
// to user id it produced.
func (f *fixture) seed(t *testing.T, id string, friends map[string]any) *relay.FragmentRef {
	t.Helper()
	op := relay.NewOperationDescriptor(parentRequest, relay.Variables{"id": id, "count": 1, "cursor": nil})
	require.NoError(t, f.store.Publish(op, &relay.Response{Data: map[string]any{"user": userData(id, friends)}}))
	f.store.Retain(op)
	return &relay.FragmentRef{
		DataID:    id,
		Variables: relay.Variables{"count": 1, "cursor": nil},
		Owner:     &op,
	}
}

func edgeCount(t *testing.T, data map[string]any) int {
	t.Helper()
	require.NotNil(t, data)
	friends, ok := data["friends"].(map[string]any)
	require.True(t, ok, "friends is %T", data["friends"])
	edges, ok := friends["edges"].([]any)
	require.True(t, ok, "edges is %T", friends["edges"])
	return len(edges)
}

func nodeIDs(t *testing.T, data map[string]any) []string {
	t.Helper()
	edges := data["friends"].(map[string]any)["edges"].([]any)
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		node := e.(map[string]any)["node"].(map[string]any)
		ids = append(ids, node["id"].(string))
	}
	return ids
}

// completions records the calls of an onComplete callback.
type completions struct {
	mu   sync.Mutex
	errs []error
}

func (c *completions) fn(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *completions) calls() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// queueScheduler holds tasks until flushed.
type queueScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *queueScheduler) Schedule(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *queueScheduler) flush() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// metricValue sums the counter samples of the metric family name.
func metricValue(t *testing.T, f *fixture, name string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
