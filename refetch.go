package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/llehouerou/go-graphql-relay/internal/reflectutil"
	"github.com/llehouerou/go-graphql-relay/types"
)

// RefetchState is the state of a RefetchCoordinator.
type RefetchState struct {
	FetchPolicy                FetchPolicy
	RenderPolicy               RenderPolicy
	MirroredEnvironment        *Environment
	MirroredFragmentIdentifier string
	// RefetchQuery is the operation the fragment reads from since the last
	// refetch, nil before any refetch.
	RefetchQuery *OperationDescriptor
	OnComplete   func(error)
}

type refetchActionKind int

const (
	actionReset refetchActionKind = iota
	actionRefetch
)

type refetchAction struct {
	kind         refetchActionKind
	env          *Environment
	identifier   string
	query        *OperationDescriptor
	fetchPolicy  FetchPolicy
	renderPolicy RenderPolicy
	onComplete   func(error)
}

func (s RefetchState) reduce(a refetchAction) RefetchState {
	switch a.kind {
	case actionReset:
		return RefetchState{
			MirroredEnvironment:        a.env,
			MirroredFragmentIdentifier: a.identifier,
		}
	case actionRefetch:
		s.FetchPolicy = a.fetchPolicy
		s.RenderPolicy = a.renderPolicy
		s.RefetchQuery = a.query
		s.OnComplete = a.onComplete
		return s
	default:
		return s
	}
}

// RefetchCoordinator refetches a fragment with new variables. After a
// refetch the fragment reads from the refetched operation until the
// environment or the parent fragment identity changes.
type RefetchCoordinator struct {
	fragment *Fragment
	meta     *RefetchMetadata

	mu          sync.Mutex
	mounted     bool
	initialized bool
	env         *Environment
	parentRef   *FragmentRef
	state       RefetchState
	handle      *QueryHandle
}

// NewRefetchCoordinator creates a coordinator for fragment, which must carry
// refetch or pagination metadata. Sync must be called before Refetch.
func NewRefetchCoordinator(fragment *Fragment) (*RefetchCoordinator, error) {
	if fragment == nil {
		return nil, invariantf("", "expected a fragment")
	}
	meta := fragment.Refetch
	if meta == nil && fragment.Pagination != nil {
		meta = &fragment.Pagination.RefetchMetadata
	}
	if meta == nil {
		return nil, invariantf(fragment.Name, "expected fragment to have refetch metadata")
	}
	return &RefetchCoordinator{fragment: fragment, meta: meta, mounted: true}, nil
}

// Sync records the current environment and parent fragment reference. When
// either identity changed, the refetch state is reset and the current
// refetch query is disposed.
func (c *RefetchCoordinator) Sync(env *Environment, parentRef *FragmentRef) {
	c.mu.Lock()
	c.env, c.parentRef = env, parentRef
	id := c.fragment.Identifier(parentRef)
	if c.initialized && env == c.state.MirroredEnvironment && id == c.state.MirroredFragmentIdentifier {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.state = c.state.reduce(refetchAction{kind: actionReset, env: env, identifier: id})
	old := c.handle
	c.handle = nil
	c.mu.Unlock()

	if old != nil {
		old.Dispose()
	}
}

// State returns a copy of the refetch state.
func (c *RefetchCoordinator) State() RefetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FragmentRef returns the reference the fragment currently reads: the parent
// reference before any refetch, the record found in the refetch result
// after. pending is true while the refetch result is not available yet. err
// is the refetch request error, or an invariant violation.
func (c *RefetchCoordinator) FragmentRef() (ref *FragmentRef, pending bool, err error) {
	c.mu.Lock()
	env, q, h, parent := c.env, c.state.RefetchQuery, c.handle, c.parentRef
	c.mu.Unlock()

	if q == nil || h == nil {
		return parent, false, nil
	}
	if err := h.Err(); err != nil {
		return nil, false, err
	}
	if !h.Available() {
		if h.Pending() {
			return nil, true, nil
		}
		return parent, false, nil
	}
	ref, err = c.refFromResult(env, *q, parent)
	return ref, false, err
}

func (c *RefetchCoordinator) refFromResult(env *Environment, q OperationDescriptor, previous *FragmentRef) (*FragmentRef, error) {
	var current Variables
	if previous != nil {
		current = previous.Variables
	}
	vars := c.fragment.variablesFrom(current, q.Variables)

	if len(c.meta.FragmentPathInResult) == 0 {
		return &FragmentRef{DataID: q.RootID(), Variables: vars, Owner: &q}, nil
	}
	root := env.Lookup(Selector{DataID: q.RootID(), Variables: q.Variables, Owner: &q})
	value, err := valueAtPath(root.Data, c.meta.FragmentPathInResult)
	if err != nil {
		return nil, err
	}
	if reflectutil.IsNilValue(value) {
		return nil, nil
	}
	obj, ok := reflectutil.AsObject(value)
	if !ok {
		return nil, invariantf(c.fragment.Name, "expected refetch result at %v to be an object, got %T", c.meta.FragmentPathInResult, value)
	}
	id, ok := obj[types.IDField].(string)
	if !ok {
		return nil, invariantf(c.fragment.Name, "expected refetch result at %v to have a string %s", c.meta.FragmentPathInResult, types.IDField)
	}
	return &FragmentRef{DataID: id, Variables: vars, Owner: &q}, nil
}

// Refetch reloads the fragment with vars on top of the current parent and
// fragment variables. The identifier of the current record is added unless
// vars sets it.
//
// Request errors are reported to the completion callback and by
// FragmentRef; the returned error only reports invariant violations.
// Disposing the returned handle cancels the request and releases the
// refetched data.
func (c *RefetchCoordinator) Refetch(ctx context.Context, vars Variables, opts ...FetchOption) (*Fetch, error) {
	o := newFetchOptions(opts)

	c.mu.Lock()
	env, mounted, parent := c.env, c.mounted, c.parentRef
	c.mu.Unlock()
	if env == nil {
		return nil, invariantf(c.fragment.Name, "refetch called before the coordinator was synced")
	}

	name := c.fragment.Name
	if !mounted {
		env.warn(Warning{
			Code:     WarnRefetchOnUnmounted,
			Fragment: name,
			Message:  "unexpected refetch on unmounted fragment; make sure the fragment is still mounted when refetching",
		})
		env.metrics.incNoop(kindRefetch, reasonUnmounted)
		return inertFetch(), nil
	}
	if parent == nil {
		env.warn(Warning{
			Code:     WarnRefetchWithNullRef,
			Fragment: name,
			Message:  "unexpected refetch while using a null fragment ref; refetch variables are derived from the current data",
		})
	}

	current, _, err := c.FragmentRef()
	if err != nil || current == nil {
		current = parent
	}
	var data map[string]any
	if sel := c.fragment.Selector(current); sel != nil {
		data = env.Lookup(*sel).Data
	}

	var fragmentVars Variables
	if current != nil {
		fragmentVars = current.Variables
	}
	refetchVars := ownerVariables(current).Merge(fragmentVars, vars)

	var expected *recordIdentity
	if field := c.meta.IdentifierField; field != "" {
		qvar := c.meta.identifierVariable()
		if _, supplied := vars[qvar]; !supplied {
			id := data[field]
			if _, ok := id.(string); !ok {
				env.warn(Warning{
					Code:     WarnIdentifierNotString,
					Fragment: name,
					Message:  fmt.Sprintf("expected identifier field %q to be a string, got %T", field, id),
				})
			}
			refetchVars[qvar] = id
		}
		if env.devMode && data != nil && refetchVars[qvar] == data[field] {
			identity := identityOf(data)
			expected = &identity
		}
	}

	policy := o.fetchPolicy
	if policy == "" {
		policy = StoreOrNetwork
	}
	renderPolicy := o.renderPolicy
	if renderPolicy == "" {
		renderPolicy = RenderPartial
	}

	op := NewOperationDescriptor(c.meta.Request, refetchVars, WithForce())
	log := env.logger.With().
		Str("fragment", name).
		Str("operation", op.Request.Key()).
		Str("fetch_id", uuid.NewString()).
		Logger()
	log.Debug().Str("fetch_policy", string(policy)).Msg("refetch started")

	settle := func(err error) {
		if err != nil {
			log.Debug().Err(err).Msg("refetch failed")
		} else {
			log.Debug().Msg("refetch completed")
			if expected != nil {
				c.checkIdentity(env, op, current, *expected)
			}
		}
		o.complete(err)
	}
	done := &deferredCompletion{}
	handle := loadQuery(ctx, env, op, policy, kindRefetch, done.call)

	c.mu.Lock()
	old := c.handle
	c.handle = handle
	c.state = c.state.reduce(refetchAction{
		kind:         actionRefetch,
		query:        &op,
		fetchPolicy:  policy,
		renderPolicy: renderPolicy,
		onComplete:   o.onComplete,
	})
	c.mu.Unlock()

	done.install(settle)
	if old != nil {
		old.Dispose()
	}
	return queryFetch(handle), nil
}

func (c *RefetchCoordinator) checkIdentity(env *Environment, op OperationDescriptor, previous *FragmentRef, expected recordIdentity) {
	ref, err := c.refFromResult(env, op, previous)
	if err != nil || ref == nil {
		return
	}
	got := identityOf(env.Lookup(Selector{DataID: ref.DataID, Variables: ref.Variables, Owner: ref.Owner}).Data)
	switch {
	case got.id != expected.id:
		env.warn(Warning{
			Code:     WarnRefetchDifferentID,
			Fragment: c.fragment.Name,
			Message:  fmt.Sprintf("refetch returned a record with id %v, expected %v; the refetch query must return the same record", got.id, expected.id),
		})
	case got.typename != expected.typename:
		env.warn(Warning{
			Code:     WarnRefetchDifferentType,
			Fragment: c.fragment.Name,
			Message:  fmt.Sprintf("refetch returned a record of type %v, expected %v", got.typename, expected.typename),
		})
	}
}

// IsRefetching reports whether the current refetch is still loading.
func (c *RefetchCoordinator) IsRefetching() bool {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Dispose cancels the current refetch request and releases its data.
func (c *RefetchCoordinator) Dispose() {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h != nil {
		h.Dispose()
	}
}

// Unmount marks the owner gone and disposes the current refetch.
func (c *RefetchCoordinator) Unmount() {
	c.mu.Lock()
	c.mounted = false
	c.mu.Unlock()
	c.Dispose()
}

// deferredCompletion holds a completion that happens before its handler is
// installed, as when a load completes synchronously from the store.
type deferredCompletion struct {
	mu      sync.Mutex
	handler func(error)
	fired   bool
	err     error
}

func (d *deferredCompletion) call(err error) {
	d.mu.Lock()
	if d.handler == nil {
		d.fired, d.err = true, err
		d.mu.Unlock()
		return
	}
	h := d.handler
	d.mu.Unlock()
	h(err)
}

func (d *deferredCompletion) install(h func(error)) {
	d.mu.Lock()
	d.handler = h
	fired, err := d.fired, d.err
	d.mu.Unlock()
	if fired {
		h(err)
	}
}
