package store

import (
	"fmt"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/internal/reflectutil"
	"github.com/llehouerou/go-graphql-relay/types"
)

// mergeConnectionLocked returns a copy of data where the connection at
// update.Path is merged with the stored connection. The stored connection is
// looked up from the last record the path goes through in data, so a page
// fetched under its own root still merges into the record it paginates.
func (s *Store) mergeConnectionLocked(rootID string, data map[string]any, update *relay.ConnectionUpdate) (map[string]any, error) {
	if len(update.Path) == 0 {
		return nil, fmt.Errorf("empty connection path")
	}
	fields := update.Fields.WithDefaults()

	base, rest := rootID, update.Path
	var current any = data
	for i, key := range update.Path[:len(update.Path)-1] {
		obj, ok := reflectutil.AsObject(current)
		if !ok {
			break
		}
		current = obj[key]
		if child, ok := reflectutil.AsObject(current); ok {
			if id, ok := child[types.IDField].(string); ok && id != "" {
				base, rest = id, update.Path[i+1:]
			}
		}
	}

	var existing any = s.denormalizeRecord(base, map[string]bool{})
	for _, key := range rest {
		obj, ok := reflectutil.AsObject(existing)
		if !ok {
			existing = nil
			break
		}
		existing = obj[key]
	}
	stored, _ := reflectutil.AsObject(existing)

	return replaceAtPath(data, update.Path, func(incoming any) (any, error) {
		conn, ok := reflectutil.AsObject(incoming)
		if !ok || stored == nil {
			return incoming, nil
		}
		return mergeConnection(stored, conn, update.Direction, fields), nil
	})
}

// replaceAtPath copies the objects along path and replaces the value at its
// end with fn's result. A path that does not exist in data leaves data
// unchanged.
func replaceAtPath(data map[string]any, path []string, fn func(any) (any, error)) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	key := path[0]
	value, ok := data[key]
	if !ok {
		return out, nil
	}
	if len(path) == 1 {
		replaced, err := fn(value)
		if err != nil {
			return nil, err
		}
		out[key] = replaced
		return out, nil
	}
	if reflectutil.IsNilValue(value) {
		return out, nil
	}
	child, ok := reflectutil.AsObject(value)
	if !ok {
		return nil, fmt.Errorf("expected object at %q, got %T", key, value)
	}
	replaced, err := replaceAtPath(child, path[1:], fn)
	if err != nil {
		return nil, err
	}
	out[key] = replaced
	return out, nil
}

// mergeConnection appends forward pages and prepends backward pages. Edges
// whose node is already in the connection are dropped from the page. Only
// the page info of the paginated end is taken from the page.
func mergeConnection(stored, page map[string]any, direction relay.Direction, fields relay.ConnectionFields) map[string]any {
	out := make(map[string]any, len(stored)+len(page))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range page {
		if k == fields.Edges || k == fields.PageInfo {
			continue
		}
		out[k] = v
	}

	storedEdges, _ := reflectutil.AsList(stored[fields.Edges])
	pageEdges, _ := reflectutil.AsList(page[fields.Edges])
	seen := make(map[string]bool, len(storedEdges))
	for _, e := range storedEdges {
		if id, ok := nodeID(e, fields); ok {
			seen[id] = true
		}
	}
	fresh := make([]any, 0, len(pageEdges))
	for _, e := range pageEdges {
		if id, ok := nodeID(e, fields); ok {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		fresh = append(fresh, e)
	}
	edges := make([]any, 0, len(storedEdges)+len(fresh))
	if direction == relay.Backward {
		edges = append(append(edges, fresh...), storedEdges...)
	} else {
		edges = append(append(edges, storedEdges...), fresh...)
	}
	out[fields.Edges] = edges

	storedInfo, _ := reflectutil.AsObject(stored[fields.PageInfo])
	pageInfo, _ := reflectutil.AsObject(page[fields.PageInfo])
	info := make(map[string]any, len(storedInfo)+2)
	for k, v := range storedInfo {
		info[k] = v
	}
	cursorField, hasMoreField := fields.EndCursor, fields.HasNextPage
	if direction == relay.Backward {
		cursorField, hasMoreField = fields.StartCursor, fields.HasPreviousPage
	}
	if pageInfo != nil {
		info[cursorField] = pageInfo[cursorField]
		info[hasMoreField] = pageInfo[hasMoreField]
	}
	out[fields.PageInfo] = info
	return out
}

func nodeID(edge any, fields relay.ConnectionFields) (string, bool) {
	e, ok := reflectutil.AsObject(edge)
	if !ok {
		return "", false
	}
	node, ok := reflectutil.AsObject(e[fields.Node])
	if !ok {
		return "", false
	}
	id, ok := node[types.IDField].(string)
	return id, ok
}
