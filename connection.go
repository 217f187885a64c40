package relay

import (
	"github.com/llehouerou/go-graphql-relay/internal/reflectutil"
)

// ConnectionState is the pagination state of one end of a connection.
type ConnectionState struct {
	// Cursor is the cursor to paginate from, nil when unknown.
	Cursor *string
	// HasMore is true only when Cursor is set and the server reported more
	// items in that direction.
	HasMore bool
}

// ReadConnectionState extracts the cursor and has-more flag of direction from
// the connection found at path in fragmentData. A null connection, or a
// connection without edges or page info, has no cursor and no more items.
//
// A connection of the wrong shape is a mismatch between the query that
// fetched the data and the metadata reading it; the returned error wraps
// ErrInvariantViolation.
func ReadConnectionState(direction Direction, fragmentData any, path []string, fields ConnectionFields) (ConnectionState, error) {
	fields = fields.WithDefaults()

	connection, err := valueAtPath(fragmentData, path)
	if err != nil || reflectutil.IsNilValue(connection) {
		return ConnectionState{}, err
	}
	conn, ok := reflectutil.AsObject(connection)
	if !ok {
		return ConnectionState{}, invariantf("", "expected connection at %v to be an object, got %T", path, connection)
	}

	edges, pageInfo := conn[fields.Edges], conn[fields.PageInfo]
	if reflectutil.IsNilValue(edges) || reflectutil.IsNilValue(pageInfo) {
		return ConnectionState{}, nil
	}
	if !reflectutil.IsList(edges) {
		return ConnectionState{}, invariantf("", "expected connection %s at %v to be a list, got %T", fields.Edges, path, edges)
	}
	info, ok := reflectutil.AsObject(pageInfo)
	if !ok {
		return ConnectionState{}, invariantf("", "expected connection %s at %v to be an object, got %T", fields.PageInfo, path, pageInfo)
	}

	cursorField, hasMoreField := fields.EndCursor, fields.HasNextPage
	if direction == Backward {
		cursorField, hasMoreField = fields.StartCursor, fields.HasPreviousPage
	}

	var cursor *string
	switch c := info[cursorField].(type) {
	case nil:
	case string:
		cursor = &c
	case *string:
		cursor = c
	default:
		return ConnectionState{}, invariantf("", "expected %s at %v to be a string, got %T", cursorField, path, c)
	}

	hasMore, _ := info[hasMoreField].(bool)
	if p, ok := info[hasMoreField].(*bool); ok && p != nil {
		hasMore = *p
	}
	return ConnectionState{Cursor: cursor, HasMore: cursor != nil && hasMore}, nil
}

// valueAtPath walks path through nested objects. A null on the way yields
// nil; a non object on the way is an invariant violation.
func valueAtPath(data any, path []string) (any, error) {
	current := data
	for i, key := range path {
		if reflectutil.IsNilValue(current) {
			return nil, nil
		}
		obj, ok := reflectutil.AsObject(current)
		if !ok {
			return nil, invariantf("", "expected value at %v to be an object, got %T", path[:i], current)
		}
		current = obj[key]
	}
	return current, nil
}
