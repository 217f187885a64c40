// Package store is an in-memory normalized record store for relay
// environments.
//
// Objects with a string id become records and are referenced by Ref from
// their parents; other objects stay inline. Each operation writes its
// response under its own root record. Fields are keyed by response key and
// merged field by field, so a payload never removes fields it does not
// carry.
package store

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/internal/reflectutil"
	"github.com/llehouerou/go-graphql-relay/pkg/logging"
	"github.com/llehouerou/go-graphql-relay/types"
)

// Ref links a field to a record.
type Ref struct {
	ID string
}

// Record is a normalized object. Values are scalars, Refs, inline objects
// and lists of those.
type Record map[string]any

// Store implements relay.Store.
type Store struct {
	logger zerolog.Logger

	mu      sync.Mutex
	records map[string]Record
	retains map[string]*retainEntry
	subs    map[uint64]*subscription
	nextID  uint64
}

type retainEntry struct {
	rootID string
	owned  bool
	count  int
}

type subscription struct {
	sel  relay.Selector
	fn   func(relay.Snapshot)
	last map[string]any
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. It defaults to logging.NewLogger("store").
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		logger:  logging.NewLogger("store"),
		records: make(map[string]Record),
		retains: make(map[string]*retainEntry),
		subs:    make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ relay.Store = (*Store)(nil)

// Record returns a copy of the record with id.
func (s *Store) Record(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out, true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Lookup denormalizes the record of sel.
func (s *Store) Lookup(sel relay.Selector) relay.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(sel)
}

func (s *Store) lookupLocked(sel relay.Selector) relay.Snapshot {
	snap := relay.Snapshot{Selector: sel}
	if _, ok := s.records[sel.DataID]; !ok {
		snap.IsMissingData = true
		return snap
	}
	snap.Data = s.denormalizeRecord(sel.DataID, map[string]bool{})
	return snap
}

func (s *Store) denormalizeRecord(id string, visiting map[string]bool) map[string]any {
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	if visiting[id] {
		return map[string]any{types.IDField: id}
	}
	visiting[id] = true
	defer delete(visiting, id)

	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = s.denormalize(v, visiting)
	}
	return out
}

func (s *Store) denormalize(v any, visiting map[string]bool) any {
	switch v := v.(type) {
	case Ref:
		if data := s.denormalizeRecord(v.ID, visiting); data != nil {
			return data
		}
		return nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = s.denormalize(item, visiting)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.denormalize(item, visiting)
		}
		return out
	default:
		return v
	}
}

// Subscribe calls fn whenever the data read by sel changes.
func (s *Store) Subscribe(sel relay.Selector, fn func(relay.Snapshot)) relay.Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = &subscription{sel: sel, fn: fn, last: s.lookupLocked(sel).Data}
	return relay.DisposableFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	})
}

// Retain keeps the root record of op until every retain is disposed. Roots
// of operations writing into another record are never released.
func (s *Store) Retain(op relay.OperationDescriptor) relay.Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.retains[op.Identifier]
	if !ok {
		e = &retainEntry{rootID: op.RootID(), owned: op.RootDataID == ""}
		s.retains[op.Identifier] = e
	}
	e.count++
	return relay.DisposableFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.count--; e.count > 0 {
			return
		}
		delete(s.retains, op.Identifier)
		if e.owned {
			delete(s.records, e.rootID)
		}
	})
}

// RetainCount returns the number of live retains of op.
func (s *Store) RetainCount(op relay.OperationDescriptor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.retains[op.Identifier]; ok {
		return e.count
	}
	return 0
}

// Check reports whether the root record of op is in the store.
func (s *Store) Check(op relay.OperationDescriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[op.RootID()]
	return ok
}

// Publish writes a payload of op and notifies the subscribers whose data
// changed. When op carries a connection update, the connection at its path
// is merged with the stored one instead of replacing it.
func (s *Store) Publish(op relay.OperationDescriptor, resp *relay.Response) error {
	if resp == nil || resp.Data == nil {
		return nil
	}
	rootID := op.RootID()

	s.mu.Lock()
	data := resp.Data
	if op.Connection != nil {
		merged, err := s.mergeConnectionLocked(rootID, data, op.Connection)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store: merge connection of %s: %w", op.Request.Key(), err)
		}
		data = merged
	}
	s.writeRecord(rootID, data)
	notify := s.changedLocked()
	s.mu.Unlock()

	s.logger.Debug().
		Str("operation", op.Request.Key()).
		Str("root", rootID).
		Int("notified", len(notify)).
		Msg("payload published")
	for _, n := range notify {
		n.fn(n.snap)
	}
	return nil
}

type notification struct {
	fn   func(relay.Snapshot)
	snap relay.Snapshot
}

func (s *Store) changedLocked() []notification {
	var out []notification
	for _, sub := range s.subs {
		snap := s.lookupLocked(sub.sel)
		if reflect.DeepEqual(snap.Data, sub.last) {
			continue
		}
		sub.last = snap.Data
		out = append(out, notification{fn: sub.fn, snap: snap})
	}
	return out
}

// writeRecord merges fields into the record with id.
func (s *Store) writeRecord(id string, fields map[string]any) {
	r, ok := s.records[id]
	if !ok {
		r = make(Record, len(fields))
		s.records[id] = r
	}
	for k, v := range fields {
		r[k] = s.normalize(v)
	}
}

func (s *Store) normalize(v any) any {
	if obj, ok := reflectutil.AsObject(v); ok {
		if id, ok := obj[types.IDField].(string); ok && id != "" {
			s.writeRecord(id, obj)
			return Ref{ID: id}
		}
		out := make(map[string]any, len(obj))
		for k, item := range obj {
			out[k] = s.normalize(item)
		}
		return out
	}
	if list, ok := reflectutil.AsList(v); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = s.normalize(item)
		}
		return out
	}
	return v
}
