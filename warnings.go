package relay

// WarningCode identifies a recoverable misuse reported as a Warning.
type WarningCode string

const (
	// WarnFetchOnUnmounted reports a loadMore call after the owner unmounted.
	WarnFetchOnUnmounted WarningCode = "fetch_on_unmounted"
	// WarnFetchWithNullRef reports a loadMore call on a null fragment reference.
	WarnFetchWithNullRef WarningCode = "fetch_with_null_ref"
	// WarnRefetchOnUnmounted reports a refetch call after the owner unmounted.
	WarnRefetchOnUnmounted WarningCode = "refetch_on_unmounted"
	// WarnRefetchWithNullRef reports a refetch of a null fragment reference.
	WarnRefetchWithNullRef WarningCode = "refetch_with_null_ref"
	// WarnPaginationVariableOverride reports extra variables that tried to set
	// a count or cursor variable owned by pagination.
	WarnPaginationVariableOverride WarningCode = "pagination_variable_override"
	// WarnUndeclaredVariable reports extra variables the pagination request
	// does not declare.
	WarnUndeclaredVariable WarningCode = "undeclared_variable"
	// WarnIdentifierNotString reports an identifier field holding a non string.
	WarnIdentifierNotString WarningCode = "identifier_not_string"
	// WarnRefetchDifferentID reports a refetch for the same identifier that
	// returned a record with another id.
	WarnRefetchDifferentID WarningCode = "refetch_different_id"
	// WarnRefetchDifferentType reports a refetch for the same identifier that
	// returned a record of another type.
	WarnRefetchDifferentType WarningCode = "refetch_different_type"
)

// Warning is a non-fatal diagnostic. Warnings never change behavior.
type Warning struct {
	Code WarningCode
	// Fragment is the name of the fragment the warning is about.
	Fragment string
	Message  string
}

func (w Warning) String() string {
	if w.Fragment == "" {
		return string(w.Code) + ": " + w.Message
	}
	return string(w.Code) + ": " + w.Fragment + ": " + w.Message
}
