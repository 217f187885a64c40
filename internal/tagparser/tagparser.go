// Package tagparser parses the single-field selections used to describe paths
// into a response, such as "friends: friendsConnection(first: $count)".
package tagparser

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSelection is returned for selections that do not name exactly
// one field.
var ErrInvalidSelection = errors.New("invalid field selection")

// Selection represents a parsed field selection.
type Selection struct {
	// FieldName is the schema field name (after alias if present).
	FieldName string
	// Arguments contains the content inside parentheses, if any.
	Arguments string
	// Alias is the field alias (before the colon), if any.
	Alias string
}

// ResponseKey returns the key the field is returned under: the alias when
// present, the field name otherwise.
func (s Selection) ResponseKey() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.FieldName
}

// ParseSelection parses a field selection and returns structured information.
// Examples:
//   - "name" -> {FieldName: "name"}
//   - "friends(first: $count)" -> {FieldName: "friends", Arguments: "first: $count"}
//   - "node1: node(id: $id)" -> {FieldName: "node", Alias: "node1", Arguments: "id: $id"}
//
// Fragment spreads, sub-selections and unbalanced parentheses are rejected.
func ParseSelection(sel string) (Selection, error) {
	sel = strings.TrimSpace(sel)

	var parsed Selection
	if sel == "" {
		return parsed, fmt.Errorf("%w: empty selection", ErrInvalidSelection)
	}
	if strings.HasPrefix(sel, "...") {
		return parsed, fmt.Errorf("%w: %q is a fragment spread", ErrInvalidSelection, sel)
	}
	if strings.ContainsAny(sel, "{}") {
		return parsed, fmt.Errorf("%w: %q has a sub-selection", ErrInvalidSelection, sel)
	}

	fieldPart := sel
	if parenIdx := strings.Index(sel, "("); parenIdx != -1 {
		closeIdx := strings.LastIndex(sel, ")")
		if closeIdx < parenIdx || strings.TrimSpace(sel[closeIdx+1:]) != "" {
			return parsed, fmt.Errorf("%w: %q has unbalanced arguments", ErrInvalidSelection, sel)
		}
		parsed.Arguments = strings.TrimSpace(sel[parenIdx+1 : closeIdx])
		fieldPart = strings.TrimSpace(sel[:parenIdx])
	} else if strings.Contains(sel, ")") {
		return parsed, fmt.Errorf("%w: %q has unbalanced arguments", ErrInvalidSelection, sel)
	}

	if colonIdx := strings.Index(fieldPart, ":"); colonIdx != -1 {
		parsed.Alias = strings.TrimSpace(fieldPart[:colonIdx])
		parsed.FieldName = strings.TrimSpace(fieldPart[colonIdx+1:])
		if parsed.Alias == "" {
			return parsed, fmt.Errorf("%w: %q has an empty alias", ErrInvalidSelection, sel)
		}
	} else {
		parsed.FieldName = fieldPart
	}

	if parsed.FieldName == "" || strings.ContainsAny(parsed.FieldName, " \t\n:") {
		return parsed, fmt.Errorf("%w: %q does not name a single field", ErrInvalidSelection, sel)
	}
	return parsed, nil
}

// ResponsePath parses every selection of path and returns their response
// keys.
func ResponsePath(path []string) ([]string, error) {
	if path == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(path))
	for _, sel := range path {
		parsed, err := ParseSelection(sel)
		if err != nil {
			return nil, err
		}
		keys = append(keys, parsed.ResponseKey())
	}
	return keys, nil
}
