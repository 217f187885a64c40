package relay

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/llehouerou/go-graphql-relay/internal/tagparser"
	"github.com/llehouerou/go-graphql-relay/types"
)

// ConnectionFields names the fields of a connection.
type ConnectionFields struct {
	Edges           string `yaml:"edges,omitempty"`
	PageInfo        string `yaml:"page_info,omitempty"`
	StartCursor     string `yaml:"start_cursor,omitempty"`
	EndCursor       string `yaml:"end_cursor,omitempty"`
	HasNextPage     string `yaml:"has_next_page,omitempty"`
	HasPreviousPage string `yaml:"has_previous_page,omitempty"`
	Node            string `yaml:"node,omitempty"`
}

// DefaultConnectionFields returns the field names of the cursor connections
// specification.
func DefaultConnectionFields() ConnectionFields {
	return ConnectionFields{
		Edges:           types.EdgesField,
		PageInfo:        types.PageInfoField,
		StartCursor:     types.StartCursorField,
		EndCursor:       types.EndCursorField,
		HasNextPage:     types.HasNextPageField,
		HasPreviousPage: types.HasPreviousPageField,
		Node:            types.NodeField,
	}
}

// WithDefaults fills every unset name with its default.
func (f ConnectionFields) WithDefaults() ConnectionFields {
	d := DefaultConnectionFields()
	if f.Edges == "" {
		f.Edges = d.Edges
	}
	if f.PageInfo == "" {
		f.PageInfo = d.PageInfo
	}
	if f.StartCursor == "" {
		f.StartCursor = d.StartCursor
	}
	if f.EndCursor == "" {
		f.EndCursor = d.EndCursor
	}
	if f.HasNextPage == "" {
		f.HasNextPage = d.HasNextPage
	}
	if f.HasPreviousPage == "" {
		f.HasPreviousPage = d.HasPreviousPage
	}
	if f.Node == "" {
		f.Node = d.Node
	}
	return f
}

// DirectionVariables names the count and cursor variables of one direction.
type DirectionVariables struct {
	Count  string `yaml:"count"`
	Cursor string `yaml:"cursor"`
}

// RefetchMetadata describes how to refetch a fragment.
type RefetchMetadata struct {
	Request Request `yaml:"request"`
	// IdentifierField is the field of the fragment data holding the id of
	// the record. Empty for fragments that are not refetched by id.
	IdentifierField string `yaml:"identifier_field,omitempty"`
	// IdentifierQueryVariableName is the variable the id is sent as.
	// Defaults to "id".
	IdentifierQueryVariableName string `yaml:"identifier_query_variable_name,omitempty"`
	// FragmentPathInResult is the path from the refetch response root to the
	// refetched record.
	FragmentPathInResult []string `yaml:"fragment_path_in_result,omitempty"`
}

// PaginationMetadata describes how to paginate the connection a fragment
// selects.
type PaginationMetadata struct {
	RefetchMetadata `yaml:",inline"`
	// ConnectionPath is the path from the fragment root to the connection.
	ConnectionPath []string            `yaml:"connection_path"`
	Forward        *DirectionVariables `yaml:"forward,omitempty"`
	Backward       *DirectionVariables `yaml:"backward,omitempty"`
	Fields         ConnectionFields    `yaml:"fields,omitempty"`
}

// Direction returns the variables of d, or nil if d is not supported.
func (m *PaginationMetadata) Direction(d Direction) *DirectionVariables {
	if d == Forward {
		return m.Forward
	}
	return m.Backward
}

// identifierVariable returns the variable the identifier is sent as.
func (m *RefetchMetadata) identifierVariable() string {
	if m.IdentifierQueryVariableName != "" {
		return m.IdentifierQueryVariableName
	}
	return types.IDField
}

// Normalize turns every path selection into its response key and fills the
// default connection field names. Selections may carry aliases and
// arguments, e.g. "list: friends(first: $count)".
func (m *RefetchMetadata) Normalize() error {
	path, err := tagparser.ResponsePath(m.FragmentPathInResult)
	if err != nil {
		return fmt.Errorf("relay: fragment_path_in_result: %w", err)
	}
	m.FragmentPathInResult = path
	return nil
}

// Normalize turns every path selection into its response key and fills the
// default connection field names.
func (m *PaginationMetadata) Normalize() error {
	if err := m.RefetchMetadata.Normalize(); err != nil {
		return err
	}
	path, err := tagparser.ResponsePath(m.ConnectionPath)
	if err != nil {
		return fmt.Errorf("relay: connection_path: %w", err)
	}
	m.ConnectionPath = path
	m.Fields = m.Fields.WithDefaults()
	return nil
}

// Validate checks m against the text of its request: every variable the
// pagination and refetch flows send must be declared by the operation.
// Requests without text, such as persisted ones, are not checked.
func (m *PaginationMetadata) Validate(fragment string) error {
	if len(m.ConnectionPath) == 0 {
		return invariantf(fragment, "pagination metadata has an empty connection path")
	}
	if m.Forward == nil && m.Backward == nil {
		return invariantf(fragment, "pagination metadata supports no direction")
	}
	for _, dv := range []*DirectionVariables{m.Forward, m.Backward} {
		if dv != nil && (dv.Count == "" || dv.Cursor == "") {
			return invariantf(fragment, "pagination metadata has a direction without count or cursor variable")
		}
	}
	if m.Request.Text == "" {
		return nil
	}

	info, err := ParseRequest(m.Request)
	if err != nil {
		return err
	}
	for _, dv := range []*DirectionVariables{m.Forward, m.Backward} {
		if dv == nil {
			continue
		}
		for _, name := range []string{dv.Count, dv.Cursor} {
			if _, ok := info.Variables[name]; !ok {
				return invariantf(fragment, "pagination request %q does not declare $%s", info.Name, name)
			}
		}
	}
	if m.IdentifierField != "" {
		if _, ok := info.Variables[m.identifierVariable()]; !ok {
			return invariantf(fragment, "pagination request %q does not declare $%s", info.Name, m.identifierVariable())
		}
	}
	return nil
}

// ParsePaginationMetadata reads YAML encoded pagination metadata, normalizes
// and validates it.
func ParsePaginationMetadata(fragment string, data []byte) (*PaginationMetadata, error) {
	var m PaginationMetadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("relay: decode pagination metadata: %w", err)
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	if err := m.Validate(fragment); err != nil {
		return nil, err
	}
	return &m, nil
}
