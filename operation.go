package relay

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/llehouerou/go-graphql-relay/types"
)

// Request is a GraphQL document to execute. Persisted requests carry an ID
// and may leave Text empty, in which case the text is resolved through the
// OperationRegistry before execution.
type Request struct {
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
}

// Key identifies the request: its persisted ID when set, its name otherwise.
func (r Request) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// CacheConfig tunes how the network layer treats a request.
type CacheConfig struct {
	// Force bypasses any response cache on the way to the server.
	Force bool
}

// ConnectionUpdate tells the store to merge the connection found at Path in
// the response into the existing one instead of replacing it.
type ConnectionUpdate struct {
	// Path is the list of response keys from the operation root to the
	// connection.
	Path      []string
	Direction Direction
	Fields    ConnectionFields
}

// OperationDescriptor is a request bound to its variables.
type OperationDescriptor struct {
	Request   Request
	Variables Variables
	// Identifier is derived from the request key and the variables. Two
	// descriptors with the same identifier are the same operation.
	Identifier  string
	CacheConfig CacheConfig
	Connection  *ConnectionUpdate
	// RootDataID overrides the record the response root is written to.
	// Pagination of a connection selected directly on the query root uses it
	// to merge into the root record of the parent query.
	RootDataID string
}

// OperationOption customizes an OperationDescriptor.
type OperationOption func(*OperationDescriptor)

// WithForce marks the operation as forced, bypassing network caches.
func WithForce() OperationOption {
	return func(op *OperationDescriptor) {
		op.CacheConfig.Force = true
	}
}

// WithConnectionUpdate makes the store merge the connection described by u.
func WithConnectionUpdate(u *ConnectionUpdate) OperationOption {
	return func(op *OperationDescriptor) {
		op.Connection = u
	}
}

// WithRootDataID writes the response root into the record id.
func WithRootDataID(id string) OperationOption {
	return func(op *OperationDescriptor) {
		op.RootDataID = id
	}
}

// NewOperationDescriptor binds req to a copy of vars.
func NewOperationDescriptor(req Request, vars Variables, opts ...OperationOption) OperationDescriptor {
	vars = vars.Clone()
	op := OperationDescriptor{
		Request:    req,
		Variables:  vars,
		Identifier: RequestIdentifier(req, vars),
	}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// RequestIdentifier returns the identity of req executed with vars.
func RequestIdentifier(req Request, vars Variables) string {
	return req.Key() + vars.Canonical()
}

// RootID is the data ID of the record holding the response root.
func (op OperationDescriptor) RootID() string {
	if op.RootDataID != "" {
		return op.RootDataID
	}
	return types.RootIDPrefix + ":" + op.Identifier
}

// VariableDefinition describes a variable declared by an operation.
type VariableDefinition struct {
	Name       string
	Type       string
	NonNull    bool
	Default    any
	HasDefault bool
}

// OperationInfo is what ParseRequest learns from a request text.
type OperationInfo struct {
	Name      string
	Operation string
	Variables map[string]VariableDefinition
}

// ParseRequest parses the text of req and describes the operation it runs.
// Documents with several operations are resolved with req.Name.
func ParseRequest(req Request) (*OperationInfo, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("relay: request %q has no text", req.Key())
	}
	doc, gqlErr := parser.ParseQuery(&ast.Source{Name: req.Key(), Input: req.Text})
	if gqlErr != nil {
		return nil, fmt.Errorf("relay: parse request %q: %w", req.Key(), gqlErr)
	}

	var def *ast.OperationDefinition
	switch {
	case len(doc.Operations) == 1 && (req.Name == "" || doc.Operations[0].Name == req.Name):
		def = doc.Operations[0]
	case req.Name != "":
		def = doc.Operations.ForName(req.Name)
	}
	if def == nil {
		return nil, fmt.Errorf("relay: request %q: operation not found in document", req.Key())
	}

	info := &OperationInfo{
		Name:      def.Name,
		Operation: string(def.Operation),
		Variables: make(map[string]VariableDefinition, len(def.VariableDefinitions)),
	}
	for _, v := range def.VariableDefinitions {
		vd := VariableDefinition{
			Name:    v.Variable,
			Type:    v.Type.String(),
			NonNull: v.Type.NonNull,
		}
		if v.DefaultValue != nil {
			val, err := v.DefaultValue.Value(nil)
			if err != nil {
				return nil, fmt.Errorf("relay: request %q: default of $%s: %w", req.Key(), v.Variable, err)
			}
			vd.Default = val
			vd.HasDefault = true
		}
		info.Variables[v.Variable] = vd
	}
	return info, nil
}

// ApplyDefaults returns vars completed with the declared defaults of every
// variable vars does not set.
func (info *OperationInfo) ApplyDefaults(vars Variables) Variables {
	out := vars.Clone()
	for name, def := range info.Variables {
		if _, ok := out[name]; !ok && def.HasDefault {
			out[name] = def.Default
		}
	}
	return out
}
