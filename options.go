package relay

// FetchOption customizes a LoadMore or Refetch call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	onComplete   func(error)
	extra        Variables
	fetchPolicy  FetchPolicy
	renderPolicy RenderPolicy
}

func newFetchOptions(opts []FetchOption) fetchOptions {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o fetchOptions) complete(err error) {
	if o.onComplete != nil {
		o.onComplete(err)
	}
}

// WithOnComplete sets the callback invoked when the call is over. It
// receives nil for calls that issued no request, and the request error for
// failed requests.
func WithOnComplete(fn func(error)) FetchOption {
	return func(o *fetchOptions) {
		o.onComplete = fn
	}
}

// WithExtraVariables adds variables to a pagination request. Count and
// cursor variables cannot be overridden.
func WithExtraVariables(vars Variables) FetchOption {
	return func(o *fetchOptions) {
		o.extra = vars
	}
}

// WithFetchPolicy sets the fetch policy of a refetch.
func WithFetchPolicy(p FetchPolicy) FetchOption {
	return func(o *fetchOptions) {
		o.fetchPolicy = p
	}
}

// WithRenderPolicy sets the render policy of a refetch.
func WithRenderPolicy(p RenderPolicy) FetchOption {
	return func(o *fetchOptions) {
		o.renderPolicy = p
	}
}

// chainOnComplete runs fn after the completion callback set by the caller.
func chainOnComplete(fn func(error)) FetchOption {
	return func(o *fetchOptions) {
		prev := o.onComplete
		o.onComplete = func(err error) {
			if prev != nil {
				prev(err)
			}
			fn(err)
		}
	}
}
