package types

// Field names of the connection model described by the Relay cursor
// connections specification. Schemas may rename them, so these are only the
// defaults used when a descriptor does not override them.
const (
	// EdgesField holds the ordered list of edges of a connection.
	EdgesField = "edges"

	// PageInfoField holds the pagination metadata of a connection.
	PageInfoField = "pageInfo"

	StartCursorField     = "startCursor"
	EndCursorField       = "endCursor"
	HasNextPageField     = "hasNextPage"
	HasPreviousPageField = "hasPreviousPage"

	// CursorField and NodeField are the fields of a single edge.
	CursorField = "cursor"
	NodeField   = "node"
)

// Record-level field names.
const (
	// IDField is the field used to normalize objects into records and to
	// refetch a record through a node-style query.
	IDField = "id"

	// TypenameField is the GraphQL introspection field used for type
	// discrimination in unions and interfaces.
	TypenameField = "__typename"

	// RootIDPrefix prefixes the data ID of the root record owned by each
	// operation.
	RootIDPrefix = "client:root"
)
