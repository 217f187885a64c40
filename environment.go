package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/llehouerou/go-graphql-relay/pkg/logging"
)

// Executor runs operations against a GraphQL server.
type Executor interface {
	// Execute returns a stream of the payloads of op. Unsubscribing stops
	// delivery and cancels the request.
	Execute(ctx context.Context, op OperationDescriptor) Observable
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op OperationDescriptor) Observable

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, op OperationDescriptor) Observable {
	return f(ctx, op)
}

// Store is the normalized record cache shared by every reader.
type Store interface {
	// Lookup reads sel.
	Lookup(sel Selector) Snapshot
	// Subscribe calls fn with a new snapshot whenever the data read by sel
	// changes.
	Subscribe(sel Selector, fn func(Snapshot)) Disposable
	// Retain keeps the data of op alive until disposed.
	Retain(op OperationDescriptor) Disposable
	// Publish writes a payload of op.
	Publish(op OperationDescriptor, resp *Response) error
	// Check reports whether the data of op is available.
	Check(op OperationDescriptor) bool
}

// Scheduler runs state updates. Updates scheduled before a task runs are
// committed together by that task.
type Scheduler interface {
	Schedule(task func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(task func())

// Schedule implements Scheduler.
func (f SchedulerFunc) Schedule(task func()) {
	f(task)
}

// Config configures an Environment.
type Config struct {
	Network Executor
	Store   Store
	// Registry resolves persisted requests without text. Optional.
	Registry *OperationRegistry
	// Logger defaults to logging.NewLogger("relay").
	Logger *zerolog.Logger
	// Metrics is optional.
	Metrics *Metrics
	// Scheduler routes the state updates of facades. When nil, updates are
	// committed as they happen.
	Scheduler Scheduler
	// DevMode enables checks that only emit warnings, such as the identity
	// check of refetched records.
	DevMode bool
	// OnWarning receives every warning in addition to the logger.
	OnWarning func(Warning)
}

// Environment binds a network, a store and their configuration. Requests
// issued through the same environment are deduplicated.
type Environment struct {
	network   Executor
	store     Store
	registry  *OperationRegistry
	logger    zerolog.Logger
	metrics   *Metrics
	scheduler Scheduler
	devMode   bool
	onWarning func(Warning)

	mu       sync.Mutex
	inflight map[string]*inflightRequest
	active   map[string]int
}

// NewEnvironment creates an Environment from cfg.
func NewEnvironment(cfg Config) (*Environment, error) {
	if cfg.Network == nil {
		return nil, errors.New("relay: environment requires a network")
	}
	if cfg.Store == nil {
		return nil, errors.New("relay: environment requires a store")
	}
	logger := logging.NewLogger("relay")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Environment{
		network:   cfg.Network,
		store:     cfg.Store,
		registry:  cfg.Registry,
		logger:    logger,
		metrics:   cfg.Metrics,
		scheduler: cfg.Scheduler,
		devMode:   cfg.DevMode,
		onWarning: cfg.OnWarning,
		inflight:  make(map[string]*inflightRequest),
		active:    make(map[string]int),
	}, nil
}

// Store returns the store of the environment.
func (e *Environment) Store() Store {
	return e.store
}

// Logger returns the logger of the environment.
func (e *Environment) Logger() *zerolog.Logger {
	return &e.logger
}

// Lookup reads sel from the store.
func (e *Environment) Lookup(sel Selector) Snapshot {
	return e.store.Lookup(sel)
}

// Retain keeps the data of op alive until disposed.
func (e *Environment) Retain(op OperationDescriptor) Disposable {
	return e.store.Retain(op)
}

// IsActive reports whether the operation owner is still streaming payloads
// through this environment.
func (e *Environment) IsActive(owner *OperationDescriptor) bool {
	if owner == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[owner.Identifier] > 0
}

func (e *Environment) warn(w Warning) {
	e.logger.Warn().
		Str("code", string(w.Code)).
		Str("fragment", w.Fragment).
		Msg(w.Message)
	e.metrics.incWarning(w.Code)
	if e.onWarning != nil {
		e.onWarning(w)
	}
}

// resolve fills in the text of persisted requests from the registry.
func (e *Environment) resolve(ctx context.Context, op OperationDescriptor) (OperationDescriptor, error) {
	if op.Request.Text != "" || op.Request.ID == "" || e.registry == nil {
		return op, nil
	}
	req, err := e.registry.Fetch(ctx, op.Request.ID)
	if err != nil {
		return op, err
	}
	op.Request.Text = req.Text
	if op.Request.Name == "" {
		op.Request.Name = req.Name
	}
	return op, nil
}

func (e *Environment) markActive(id string) func() {
	e.mu.Lock()
	e.active[id]++
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.active[id]--; e.active[id] <= 0 {
				delete(e.active, id)
			}
		})
	}
}

// Execute runs op on the network, publishing every payload to the store
// before delivering it. The operation counts as active until its last
// payload, its failure or unsubscription.
func (e *Environment) Execute(ctx context.Context, op OperationDescriptor) Observable {
	return e.execute(ctx, op, kindQuery)
}

func (e *Environment) execute(ctx context.Context, op OperationDescriptor, kind string) Observable {
	return NewObservable(func(sink Sink) func() {
		op, err := e.resolve(ctx, op)
		if err != nil {
			sink.Error(err)
			return nil
		}

		done := e.markActive(op.Identifier)
		started := time.Now()
		e.metrics.incFetch(kind)

		sub := e.network.Execute(ctx, op).Subscribe(Observer{
			Next: func(resp *Response) {
				if err := e.store.Publish(op, resp); err != nil {
					e.logger.Error().Err(err).Str("operation", op.Request.Key()).Msg("publish payload")
					sink.Error(fmt.Errorf("relay: publish %s: %w", op.Request.Key(), err))
					return
				}
				if !resp.HasNext {
					done()
				}
				sink.Next(resp)
			},
			Error: func(err error) {
				done()
				e.metrics.incError(kind)
				e.metrics.observeDuration(kind, started)
				sink.Error(err)
			},
			Complete: func() {
				done()
				e.metrics.observeDuration(kind, started)
				sink.Complete()
			},
		})
		return func() {
			done()
			sub.Unsubscribe()
		}
	})
}

// FetchQuery is Execute with deduplication: while a request with the
// identifier of op is in flight, subscribers join it and receive every
// payload it delivered so far. The request is cancelled when its last
// subscriber leaves.
//
// The request outlives ctx; ctx only provides values to the network.
func (e *Environment) FetchQuery(ctx context.Context, op OperationDescriptor) Observable {
	return e.fetchQuery(ctx, op, kindQuery)
}

func (e *Environment) fetchQuery(ctx context.Context, op OperationDescriptor, kind string) Observable {
	return NewObservable(func(sink Sink) func() {
		req, joined := e.joinInflight(ctx, op, kind)
		if joined {
			e.metrics.incDeduplicated()
			e.logger.Debug().Str("operation", op.Request.Key()).Msg("joined request in flight")
		}
		s := req.add(sink)
		req.start()
		req.drain(s)
		return func() { req.remove(s) }
	})
}

func (e *Environment) joinInflight(ctx context.Context, op OperationDescriptor, kind string) (*inflightRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.inflight[op.Identifier]; ok {
		return req, true
	}
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req := &inflightRequest{
		env:    e,
		ctx:    reqCtx,
		cancel: cancel,
		op:     op,
		kind:   kind,
		subs:   make(map[*inflightSubscriber]struct{}),
	}
	e.inflight[op.Identifier] = req
	return req, false
}

func (e *Environment) forget(req *inflightRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[req.op.Identifier] == req {
		delete(e.inflight, req.op.Identifier)
	}
}

// inflightRequest multicasts one network request to its subscribers,
// replaying past events to late joiners.
type inflightRequest struct {
	env    *Environment
	ctx    context.Context
	cancel context.CancelFunc
	op     OperationDescriptor
	kind   string

	mu       sync.Mutex
	started  bool
	finished bool
	upstream Subscription
	events   []inflightEvent
	subs     map[*inflightSubscriber]struct{}
}

type inflightEvent struct {
	resp     *Response
	err      error
	complete bool
}

func (ev inflightEvent) deliver(sink Sink) {
	switch {
	case ev.resp != nil:
		sink.Next(ev.resp)
	case ev.complete:
		sink.Complete()
	default:
		sink.Error(ev.err)
	}
}

type inflightSubscriber struct {
	sink     Sink
	next     int
	draining bool
	removed  bool
}

func (r *inflightRequest) add(sink Sink) *inflightSubscriber {
	s := &inflightSubscriber{sink: sink}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *inflightRequest) start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	sub := r.env.execute(r.ctx, r.op, r.kind).Subscribe(Observer{
		Next:     func(resp *Response) { r.emit(inflightEvent{resp: resp}) },
		Error:    func(err error) { r.emit(inflightEvent{err: err}) },
		Complete: func() { r.emit(inflightEvent{complete: true}) },
	})

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	r.upstream = sub
	r.mu.Unlock()
}

func (r *inflightRequest) emit(ev inflightEvent) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.events = append(r.events, ev)
	terminal := ev.resp == nil
	if terminal {
		r.finished = true
	}
	subs := make([]*inflightSubscriber, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	if terminal {
		r.env.forget(r)
		r.cancel()
	}
	for _, s := range subs {
		r.drain(s)
	}
}

// drain delivers the events s has not seen yet. Only one goroutine drains a
// given subscriber at a time, which keeps its events in order.
func (r *inflightRequest) drain(s *inflightSubscriber) {
	r.mu.Lock()
	if s.draining {
		r.mu.Unlock()
		return
	}
	s.draining = true
	for !s.removed && s.next < len(r.events) {
		ev := r.events[s.next]
		s.next++
		r.mu.Unlock()
		ev.deliver(s.sink)
		r.mu.Lock()
	}
	s.draining = false
	r.mu.Unlock()
}

func (r *inflightRequest) remove(s *inflightSubscriber) {
	r.mu.Lock()
	s.removed = true
	delete(r.subs, s)
	if len(r.subs) > 0 || r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	upstream := r.upstream
	r.mu.Unlock()

	r.env.forget(r)
	if upstream != nil {
		upstream.Unsubscribe()
	}
	r.cancel()
}
