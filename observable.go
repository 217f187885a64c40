package relay

import (
	"sync"

	"github.com/llehouerou/go-graphql-relay/types"
)

// Response is a single payload delivered by an Executor.
type Response struct {
	Data       map[string]any `json:"data"`
	Errors     types.Errors   `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
	// HasNext is set on payloads followed by more payloads of the same
	// operation, as with subscriptions or incremental delivery.
	HasNext bool `json:"hasNext,omitempty"`
}

// Disposable releases a resource. Dispose is idempotent.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a function to Disposable. The function runs at most
// once.
func DisposableFunc(fn func()) Disposable {
	return &disposableFunc{fn: fn}
}

type disposableFunc struct {
	once sync.Once
	fn   func()
}

func (d *disposableFunc) Dispose() {
	d.once.Do(func() {
		if d.fn != nil {
			d.fn()
		}
	})
}

// Subscription is a handle on a running Observable.
type Subscription interface {
	// Unsubscribe stops delivery and runs the source cleanup. It is a no-op
	// once the subscription is closed.
	Unsubscribe()
	Closed() bool
}

// Observer receives the events of an Observable. Nil callbacks are skipped.
// Start runs synchronously inside Subscribe, before the source starts.
type Observer struct {
	Start       func(Subscription)
	Next        func(*Response)
	Error       func(error)
	Complete    func()
	Unsubscribe func(Subscription)
}

// Sink is handed to an Observable source to push events. After Error or
// Complete every call is ignored.
type Sink struct {
	sub *subscription
}

// Next delivers a payload.
func (s Sink) Next(resp *Response) {
	s.sub.next(resp)
}

// Error terminates the stream with err.
func (s Sink) Error(err error) {
	s.sub.terminate(func(o Observer) {
		if o.Error != nil {
			o.Error(err)
		}
	})
}

// Complete terminates the stream successfully.
func (s Sink) Complete() {
	s.sub.terminate(func(o Observer) {
		if o.Complete != nil {
			o.Complete()
		}
	})
}

// Closed reports whether the consumer is gone or the stream terminated.
func (s Sink) Closed() bool {
	return s.sub.Closed()
}

// Observable is a lazy stream of responses: nothing runs until Subscribe,
// and every Subscribe starts the source again.
type Observable struct {
	source func(Sink) func()
}

// NewObservable creates an Observable from source. The function returned by
// source, if any, runs once when the stream terminates or is unsubscribed.
func NewObservable(source func(Sink) func()) Observable {
	return Observable{source: source}
}

// ObservableFromResponse returns an Observable emitting resp then completing.
func ObservableFromResponse(resp *Response) Observable {
	return NewObservable(func(sink Sink) func() {
		sink.Next(resp)
		sink.Complete()
		return nil
	})
}

// ObservableFromError returns an Observable failing with err.
func ObservableFromError(err error) Observable {
	return NewObservable(func(sink Sink) func() {
		sink.Error(err)
		return nil
	})
}

// Subscribe starts the source and returns the running subscription.
func (o Observable) Subscribe(obs Observer) Subscription {
	sub := &subscription{observer: obs}
	if obs.Start != nil {
		obs.Start(sub)
	}
	if sub.Closed() || o.source == nil {
		return sub
	}

	cleanup := o.source(Sink{sub: sub})

	sub.mu.Lock()
	if !sub.closed {
		sub.cleanup = cleanup
		sub.mu.Unlock()
		return sub
	}
	sub.mu.Unlock()
	if cleanup != nil {
		cleanup()
	}
	return sub
}

type subscription struct {
	mu       sync.Mutex
	observer Observer
	closed   bool
	cleanup  func()
}

func (s *subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) next(resp *Response) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.observer.Next
	s.mu.Unlock()
	if fn != nil {
		fn(resp)
	}
}

func (s *subscription) terminate(deliver func(Observer)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	obs := s.observer
	s.mu.Unlock()

	deliver(obs)
	if cleanup != nil {
		cleanup()
	}
}

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	obs := s.observer
	s.mu.Unlock()

	if obs.Unsubscribe != nil {
		obs.Unsubscribe(s)
	}
	if cleanup != nil {
		cleanup()
	}
}
