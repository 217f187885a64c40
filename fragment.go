package relay

import (
	"github.com/llehouerou/go-graphql-relay/types"
)

// Fragment describes a reusable selection on a record.
type Fragment struct {
	Name string `yaml:"name"`
	// Arguments lists the variables the fragment declares. After a refetch
	// the fragment variables are taken from the refetch variables for these
	// names. When empty, the names of the current fragment variables are used.
	Arguments  []string            `yaml:"arguments,omitempty"`
	Refetch    *RefetchMetadata    `yaml:"refetch,omitempty"`
	Pagination *PaginationMetadata `yaml:"pagination,omitempty"`
}

// FragmentRef points at the record a fragment reads, with the variables and
// the operation the reference was obtained from. A nil *FragmentRef is a
// null reference.
type FragmentRef struct {
	DataID    string
	Variables Variables
	Owner     *OperationDescriptor
}

// Selector is a resolved fragment read: a record, the variables to read it
// with, and the operation that fetched it.
type Selector struct {
	DataID    string
	Variables Variables
	Owner     *OperationDescriptor
}

// Snapshot is the result of reading a Selector from the store.
type Snapshot struct {
	Selector      Selector
	Data          map[string]any
	IsMissingData bool
}

// Selector resolves ref. It returns nil for a null reference.
func (f *Fragment) Selector(ref *FragmentRef) *Selector {
	if ref == nil {
		return nil
	}
	return &Selector{DataID: ref.DataID, Variables: ref.Variables, Owner: ref.Owner}
}

// Identifier is the identity of f read through ref. It changes whenever the
// record, the fragment variables or the owning operation change.
func (f *Fragment) Identifier(ref *FragmentRef) string {
	if ref == nil {
		return f.Name + "/null"
	}
	owner := ""
	if ref.Owner != nil {
		owner = ref.Owner.Identifier
	}
	return f.Name + "/" + ref.DataID + "/" + ref.Variables.Canonical() + "/" + owner
}

// variablesFrom returns the fragment variables for a read owned by an
// operation executed with vars.
func (f *Fragment) variablesFrom(current Variables, vars Variables) Variables {
	names := f.Arguments
	if len(names) == 0 {
		names = make([]string, 0, len(current))
		for k := range current {
			names = append(names, k)
		}
	}
	out := make(Variables, len(names))
	for _, name := range names {
		if v, ok := vars[name]; ok {
			out[name] = v
		} else if v, ok := current[name]; ok {
			out[name] = v
		}
	}
	return out
}

// ownerVariables returns the variables of the operation that owns ref.
func ownerVariables(ref *FragmentRef) Variables {
	if ref == nil || ref.Owner == nil {
		return nil
	}
	return ref.Owner.Variables
}

// recordIdentity is what a refetch is expected to preserve.
type recordIdentity struct {
	id       any
	typename any
}

func identityOf(data map[string]any) recordIdentity {
	return recordIdentity{id: data[types.IDField], typename: data[types.TypenameField]}
}
