package relay

import (
	"context"
	"sync"
)

// Flag names a loading flag of a fragment facade.
type Flag int

const (
	LoadingNext Flag = iota + 1
	LoadingPrevious
)

// FlagUpdate sets a loading flag.
type FlagUpdate struct {
	Flag  Flag
	Value bool
}

// Batch is a set of updates committed together: listeners never observe a
// flag update without the data update it was scheduled with.
//
// Without a Config.Scheduler every update is its own commit. A page then
// reaches listeners one notification before its loading flag clears: the
// listener called for the new edges still sees IsLoadingNext set. With a
// scheduler both land in the same commit.
type Batch struct {
	Flags []FlagUpdate
	// Data is a new snapshot of the fragment. Snapshots of a selector the
	// facade no longer reads are ignored.
	Data *Snapshot
}

// fragmentView is the state shared by the fragment facades: the fragment
// reference it reads, the committed data and flags, the store subscription
// and the listeners.
type fragmentView struct {
	fragment *Fragment
	refetch  *RefetchCoordinator

	mu        sync.Mutex
	closed    bool
	env       *Environment
	parentRef *FragmentRef
	lastRef   *FragmentRef
	bound     bool
	dataKey   string
	dataEnv   *Environment
	data      map[string]any
	storeSub  Disposable
	flags     map[Flag]bool
	pending   Batch
	scheduled bool
	listeners map[uint64]func()
	nextID    uint64
}

type viewRead struct {
	env        *Environment
	ref        *FragmentRef
	data       map[string]any
	refetching bool
}

func newFragmentView(env *Environment, fragment *Fragment, ref *FragmentRef) (*fragmentView, error) {
	if fragment == nil {
		return nil, invariantf("", "expected a fragment")
	}
	if env == nil {
		return nil, invariantf(fragment.Name, "expected an environment")
	}
	refetch, err := NewRefetchCoordinator(fragment)
	if err != nil {
		return nil, err
	}
	return &fragmentView{
		fragment:  fragment,
		refetch:   refetch,
		env:       env,
		parentRef: ref,
		flags:     make(map[Flag]bool),
		listeners: make(map[uint64]func()),
	}, nil
}

// read resolves the reference the fragment currently reads and returns its
// committed data. While a refetch is pending, the previous data is kept.
func (v *fragmentView) read() (viewRead, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return viewRead{}, ErrClosed
	}
	env, parent := v.env, v.parentRef
	v.mu.Unlock()

	v.refetch.Sync(env, parent)
	ref, pending, err := v.refetch.FragmentRef()
	if err != nil {
		return viewRead{}, err
	}
	refetching := v.refetch.IsRefetching()
	if pending {
		v.mu.Lock()
		defer v.mu.Unlock()
		return viewRead{env: env, ref: v.lastRef, data: v.data, refetching: true}, nil
	}

	key := v.fragment.Identifier(ref)
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return viewRead{}, ErrClosed
	}
	v.lastRef = ref
	if v.bound && key == v.dataKey && env == v.dataEnv {
		data := v.data
		v.mu.Unlock()
		return viewRead{env: env, ref: ref, data: data, refetching: refetching}, nil
	}
	old := v.storeSub
	v.storeSub = nil
	v.bound, v.dataKey, v.dataEnv, v.data = true, key, env, nil
	v.mu.Unlock()
	if old != nil {
		old.Dispose()
	}

	var (
		data map[string]any
		sub  Disposable
	)
	if sel := v.fragment.Selector(ref); sel != nil {
		sub = env.store.Subscribe(*sel, func(s Snapshot) {
			v.enqueue(Batch{Data: &s})
		})
		data = env.Lookup(*sel).Data
	}

	v.mu.Lock()
	if v.closed || key != v.dataKey || env != v.dataEnv {
		v.mu.Unlock()
		if sub != nil {
			sub.Dispose()
		}
		return viewRead{env: env, ref: ref, data: data, refetching: refetching}, nil
	}
	v.storeSub = sub
	v.data = data
	v.mu.Unlock()
	return viewRead{env: env, ref: ref, data: data, refetching: refetching}, nil
}

func (v *fragmentView) flag(f Flag) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flags[f]
}

// resetFlag clears f without notifying listeners. It runs during a read.
func (v *fragmentView) resetFlag(f Flag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flags[f] = false
}

// flagObserver keeps f set while the tracked fetch runs.
func (v *fragmentView) flagObserver(f Flag) FetchObserver {
	set := func(value bool) func() {
		return func() { v.enqueue(Batch{Flags: []FlagUpdate{{Flag: f, Value: value}}}) }
	}
	return FetchObserver{
		Start:    set(true),
		Complete: set(false),
		Error:    func(error) { set(false)() },
		Stop:     set(false),
	}
}

// enqueue commits b right away, or through the scheduler of the
// environment when there is one. Batches enqueued before the scheduled task
// runs are merged into one commit.
func (v *fragmentView) enqueue(b Batch) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	sched := v.env.scheduler
	if sched == nil {
		v.mu.Unlock()
		v.Commit(b)
		return
	}
	v.pending.Flags = append(v.pending.Flags, b.Flags...)
	if b.Data != nil {
		v.pending.Data = b.Data
	}
	if v.scheduled {
		v.mu.Unlock()
		return
	}
	v.scheduled = true
	v.mu.Unlock()

	sched.Schedule(func() {
		v.mu.Lock()
		batch := v.pending
		v.pending = Batch{}
		v.scheduled = false
		v.mu.Unlock()
		v.Commit(batch)
	})
}

// Commit applies b and notifies the listeners.
func (v *fragmentView) Commit(b Batch) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	for _, u := range b.Flags {
		v.flags[u.Flag] = u.Value
	}
	if b.Data != nil && v.bound {
		sel := b.Data.Selector
		ref := &FragmentRef{DataID: sel.DataID, Variables: sel.Variables, Owner: sel.Owner}
		if v.fragment.Identifier(ref) == v.dataKey {
			v.data = b.Data.Data
		}
	}
	listeners := make([]func(), 0, len(v.listeners))
	for _, l := range v.listeners {
		listeners = append(listeners, l)
	}
	v.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

func (v *fragmentView) listen(fn func()) Disposable {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return DisposableFunc(func() {})
	}
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return DisposableFunc(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.listeners != nil {
			delete(v.listeners, id)
		}
	})
}

// SetFragmentRef changes the parent fragment reference. A different
// identity resets the pagination and refetch state on the next read.
func (v *fragmentView) SetFragmentRef(ref *FragmentRef) {
	v.mu.Lock()
	v.parentRef = ref
	v.mu.Unlock()
	v.enqueue(Batch{})
}

// SetEnvironment changes the environment the facade reads from.
func (v *fragmentView) SetEnvironment(env *Environment) error {
	if env == nil {
		return invariantf(v.fragment.Name, "expected an environment")
	}
	v.mu.Lock()
	v.env = env
	v.mu.Unlock()
	v.enqueue(Batch{})
	return nil
}

func (v *fragmentView) doRefetch(ctx context.Context, strategy PaginationStrategy, vars Variables, opts []FetchOption) (*Fetch, error) {
	opts = append(opts[:len(opts):len(opts)], chainOnComplete(func(error) {
		v.enqueue(Batch{})
	}))
	fetch, err := v.refetch.Refetch(ctx, vars, opts...)
	if err != nil {
		return nil, err
	}
	if fetch.Issued() {
		v.enqueue(Batch{})
	}
	return fetch, strategy.Await(ctx, fetch)
}

func (v *fragmentView) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.storeSub
	v.storeSub = nil
	v.listeners = nil
	v.mu.Unlock()

	if sub != nil {
		sub.Dispose()
	}
	v.refetch.Unmount()
}

func (v *fragmentView) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
