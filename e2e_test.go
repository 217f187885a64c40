package relay_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	gqlrelay "github.com/graph-gophers/graphql-go/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/network"
	"github.com/llehouerou/go-graphql-relay/store"
)

const pagedSchema = `
schema {
	query: Query
}
type Query {
	user(id: ID!): User
	node(id: ID!): User
}
type User {
	id: ID!
	name: String!
	friends(first: Int, after: String, last: Int, before: String): FriendsConnection!
}
type FriendsConnection {
	edges: [FriendsEdge!]!
	pageInfo: PageInfo!
}
type FriendsEdge {
	cursor: String!
	node: User!
}
type PageInfo {
	startCursor: String
	endCursor: String
	hasNextPage: Boolean!
	hasPreviousPage: Boolean!
}
`

var allFriends = []string{"f1", "f2", "f3", "f4", "f5"}

type pagedQuery struct{}

func (pagedQuery) User(args struct{ ID graphql.ID }) *pagedUser {
	return &pagedUser{id: string(args.ID)}
}

func (pagedQuery) Node(args struct{ ID graphql.ID }) *pagedUser {
	return &pagedUser{id: string(args.ID)}
}

type pagedUser struct {
	id string
}

func (u *pagedUser) ID() graphql.ID { return graphql.ID(u.id) }
func (u *pagedUser) Name() string   { return "User " + u.id }

func cursorIndex(cursor *string) int {
	if cursor == nil {
		return -1
	}
	for i, id := range allFriends {
		if "cursor:"+id == *cursor {
			return i
		}
	}
	return -1
}

func (u *pagedUser) Friends(args struct {
	First  *int32
	After  *string
	Last   *int32
	Before *string
}) *pagedConnection {
	start, end := 0, len(allFriends)
	if i := cursorIndex(args.After); i >= 0 {
		start = i + 1
	}
	if i := cursorIndex(args.Before); i >= 0 {
		end = i
	}
	if args.First != nil && int(*args.First) < end-start {
		end = start + int(*args.First)
	}
	if args.Last != nil && int(*args.Last) < end-start {
		start = end - int(*args.Last)
	}
	return &pagedConnection{ids: allFriends[start:end], hasNext: end < len(allFriends), hasPrevious: start > 0}
}

type pagedConnection struct {
	ids         []string
	hasNext     bool
	hasPrevious bool
}

func (c *pagedConnection) Edges() []*pagedEdge {
	edges := make([]*pagedEdge, 0, len(c.ids))
	for _, id := range c.ids {
		edges = append(edges, &pagedEdge{id: id})
	}
	return edges
}

func (c *pagedConnection) PageInfo() *pagedPageInfo {
	info := &pagedPageInfo{hasNext: c.hasNext, hasPrevious: c.hasPrevious}
	if len(c.ids) > 0 {
		start, end := "cursor:"+c.ids[0], "cursor:"+c.ids[len(c.ids)-1]
		info.start, info.end = &start, &end
	}
	return info
}

type pagedEdge struct {
	id string
}

func (e *pagedEdge) Cursor() string   { return "cursor:" + e.id }
func (e *pagedEdge) Node() *pagedUser { return &pagedUser{id: e.id} }

type pagedPageInfo struct {
	start, end           *string
	hasNext, hasPrevious bool
}

func (p *pagedPageInfo) StartCursor() *string  { return p.start }
func (p *pagedPageInfo) EndCursor() *string    { return p.end }
func (p *pagedPageInfo) HasNextPage() bool     { return p.hasNext }
func (p *pagedPageInfo) HasPreviousPage() bool { return p.hasPrevious }

const friendsSelection = `edges { cursor node { id name } } pageInfo { startCursor endCursor hasNextPage hasPreviousPage }`

func serverFragment() *relay.Fragment {
	return &relay.Fragment{
		Name:      "UserFriends_user",
		Arguments: []string{"count", "cursor"},
		Pagination: &relay.PaginationMetadata{
			RefetchMetadata: relay.RefetchMetadata{
				Request: relay.Request{
					Name: "UserFriendsPagination",
					Text: `query UserFriendsPagination($id: ID!, $count: Int, $cursor: String, $last: Int, $before: String) {
  node(id: $id) { id __typename name friends(first: $count, after: $cursor, last: $last, before: $before) { ` + friendsSelection + ` } }
}`,
				},
				IdentifierField:      "id",
				FragmentPathInResult: []string{"node"},
			},
			ConnectionPath: []string{"friends(first: $count, after: $cursor, last: $last, before: $before)"},
			Forward:        &relay.DirectionVariables{Count: "count", Cursor: "cursor"},
			Backward:       &relay.DirectionVariables{Count: "last", Cursor: "before"},
		},
	}
}

func TestPaginationAgainstServer(t *testing.T) {
	schema := graphql.MustParseSchema(pagedSchema, &pagedQuery{})
	server := httptest.NewServer(&gqlrelay.Handler{Schema: schema})
	defer server.Close()

	logger := zerolog.Nop()
	env, err := relay.NewEnvironment(relay.Config{
		Network: network.NewClient(server.URL, nil).WithLogger(logger),
		Store:   store.New(store.WithLogger(logger)),
		Logger:  &logger,
		DevMode: true,
	})
	require.NoError(t, err)

	fragment := serverFragment()
	require.NoError(t, fragment.Pagination.Normalize())
	require.NoError(t, fragment.Pagination.Validate(fragment.Name))
	assert.Equal(t, []string{"friends"}, fragment.Pagination.ConnectionPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	op := relay.NewOperationDescriptor(relay.Request{
		Name: "UserFriends",
		Text: `query UserFriends($id: ID!, $count: Int, $cursor: String) {
  user(id: $id) { id __typename name friends(first: $count, after: $cursor) { ` + friendsSelection + ` } }
}`,
	}, relay.Variables{"id": "u1", "count": 2, "cursor": nil})
	query := relay.LoadQuery(ctx, env, op, relay.NetworkOnly, nil)
	defer query.Dispose()
	require.NoError(t, query.Wait(ctx))
	<-query.Done()
	require.NoError(t, query.Err())

	ref := &relay.FragmentRef{DataID: "u1", Variables: relay.Variables{"count": 2, "cursor": nil}, Owner: &op}
	p, err := relay.NewPaginationFragment(env, fragment, ref, relay.WithStrategy(relay.Blocking))
	require.NoError(t, err)
	defer p.Close()

	s := mustState(t, p)
	assert.Equal(t, []string{"f1", "f2"}, nodeIDs(t, s.Data))
	assert.True(t, s.HasNext)
	assert.False(t, s.HasPrevious)

	notLoading := func() bool { return !mustState(t, p).IsLoadingNext }

	_, err = p.LoadNext(ctx, 2)
	require.NoError(t, err)
	require.Eventually(t, notLoading, 5*time.Second, 5*time.Millisecond)
	s = mustState(t, p)
	assert.Equal(t, []string{"f1", "f2", "f3", "f4"}, nodeIDs(t, s.Data))
	assert.True(t, s.HasNext)

	_, err = p.LoadNext(ctx, 5)
	require.NoError(t, err)
	require.Eventually(t, notLoading, 5*time.Second, 5*time.Millisecond)
	s = mustState(t, p)
	assert.Equal(t, allFriends, nodeIDs(t, s.Data))
	assert.False(t, s.HasNext)

	_, err = p.Refetch(ctx, relay.Variables{"id": "u2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !mustState(t, p).IsRefetching }, 5*time.Second, 5*time.Millisecond)
	s = mustState(t, p)
	assert.Equal(t, "u2", s.Data["id"])
	assert.Equal(t, "User u2", s.Data["name"])
	assert.Equal(t, []string{"f1", "f2"}, nodeIDs(t, s.Data))
	assert.True(t, s.HasNext)
}
