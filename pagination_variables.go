package relay

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// PaginationVariablesInput is the input of BuildPaginationVariables.
type PaginationVariablesInput struct {
	Direction Direction
	Count     int
	Cursor    *string
	// Base holds the parent operation and fragment variables.
	Base Variables
	// Extra holds the caller supplied variables.
	Extra Variables
	// Declared holds the variables the pagination request declares. Extra
	// names outside it are reported. A nil set skips the check.
	Declared mapset.Set[string]
	Metadata *PaginationMetadata
	// FragmentData is read for the identifier when the metadata requires one.
	FragmentData map[string]any
	// Fragment names the fragment in warnings and errors.
	Fragment string
	// Warn receives warnings. It may be nil.
	Warn func(Warning)
}

// BuildPaginationVariables derives the variables of a pagination request.
// Caller supplied values for the count and cursor of the requested
// direction are discarded with a warning. The other direction's count and
// cursor are set to nil so one request only extends one end.
func BuildPaginationVariables(in PaginationVariablesInput) (Variables, error) {
	if in.Metadata == nil {
		return nil, invariantf(in.Fragment, "missing pagination metadata")
	}
	dv := in.Metadata.Direction(in.Direction)
	if dv == nil {
		return nil, invariantf(in.Fragment, "pagination metadata does not support %s pagination", in.Direction)
	}
	warn := in.Warn
	if warn == nil {
		warn = func(Warning) {}
	}

	owned := mapset.NewThreadUnsafeSet(dv.Count, dv.Cursor)
	extra := mapset.NewThreadUnsafeSetFromMapKeys(map[string]any(in.Extra))
	for _, name := range sorted(owned.Intersect(extra)) {
		warn(Warning{
			Code:     WarnPaginationVariableOverride,
			Fragment: in.Fragment,
			Message:  fmt.Sprintf("variable $%s is managed by %s pagination and cannot be overridden", name, in.Direction),
		})
	}
	if in.Declared != nil {
		for _, name := range sorted(extra.Difference(owned).Difference(in.Declared)) {
			warn(Warning{
				Code:     WarnUndeclaredVariable,
				Fragment: in.Fragment,
				Message:  fmt.Sprintf("variable $%s is not declared by the pagination query", name),
			})
		}
	}

	vars := in.Base.Clone()
	for name, value := range in.Extra {
		if !owned.Contains(name) {
			vars[name] = value
		}
	}

	vars[dv.Count] = in.Count
	if in.Cursor != nil {
		vars[dv.Cursor] = *in.Cursor
	} else {
		vars[dv.Cursor] = nil
	}

	if opposite := in.Metadata.Direction(in.Direction.Opposite()); opposite != nil {
		for _, name := range []string{opposite.Count, opposite.Cursor} {
			if !owned.Contains(name) {
				vars[name] = nil
			}
		}
	}

	if field := in.Metadata.IdentifierField; field != "" {
		name := in.Metadata.identifierVariable()
		if _, supplied := in.Extra[name]; !supplied {
			id := in.FragmentData[field]
			if _, ok := id.(string); !ok {
				warn(Warning{
					Code:     WarnIdentifierNotString,
					Fragment: in.Fragment,
					Message:  fmt.Sprintf("expected identifier field %q to be a string, got %T", field, id),
				})
			}
			vars[name] = id
		}
	}
	return vars, nil
}

func sorted(s mapset.Set[string]) []string {
	names := s.ToSlice()
	sort.Strings(names)
	return names
}
