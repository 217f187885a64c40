package relay

import "context"

// PaginationStrategy decides what LoadNext and LoadPrevious do with the
// fetch they started.
type PaginationStrategy interface {
	Await(ctx context.Context, f *Fetch) error
}

// NonBlocking returns as soon as the request is issued; the loading flags
// report progress.
var NonBlocking PaginationStrategy = nonBlocking{}

// Blocking waits for the first payload of the request, or its failure.
var Blocking PaginationStrategy = blocking{}

type nonBlocking struct{}

func (nonBlocking) Await(context.Context, *Fetch) error { return nil }

type blocking struct{}

func (blocking) Await(ctx context.Context, f *Fetch) error {
	if f == nil || !f.Issued() {
		return nil
	}
	return f.Wait(ctx)
}
