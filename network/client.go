// Package network provides relay executors over HTTP and websockets.
package network

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/pkg/logging"
	"github.com/llehouerou/go-graphql-relay/types"
)

var tracer = otel.Tracer("github.com/llehouerou/go-graphql-relay/network")

// This function allows you to tweak the HTTP request. It might be useful to set authentication
// headers  amongst other things
type RequestModifier func(*http.Request)

// Client executes operations with JSON POST requests. It implements
// relay.Executor.
//
// # Immutable Pattern
//
// The Client's With* methods return a new Client instance rather than
// modifying the receiver. Always use the returned Client:
//
//	client = client.WithDebug(true)  // Correct
//	client.WithDebug(true)            // Wrong - original client unchanged
//
// Methods can be chained since each returns a new Client:
//
//	client = client.WithDebug(true).WithRetry(3, time.Second)
type Client struct {
	url             string // GraphQL server URL.
	httpClient      *http.Client
	requestModifier RequestModifier
	debug           bool
	attempts        uint
	delay           time.Duration
	logger          zerolog.Logger
}

// NewClient creates a GraphQL client targeting the specified GraphQL server URL.
// If httpClient is nil, then http.DefaultClient is used.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		url:        url,
		httpClient: httpClient,
		attempts:   1,
		delay:      100 * time.Millisecond,
		logger:     logging.NewLogger("network"),
	}
}

var _ relay.Executor = (*Client)(nil)

// Execute implements relay.Executor. The request runs in its own goroutine
// and is cancelled on unsubscribe.
func (c *Client) Execute(ctx context.Context, op relay.OperationDescriptor) relay.Observable {
	return relay.NewObservable(func(sink relay.Sink) func() {
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			resp, err := c.Do(ctx, op)
			if err != nil {
				if ctx.Err() == nil {
					sink.Error(err)
				}
				return
			}
			sink.Next(resp)
			sink.Complete()
		}()
		return cancel
	})
}

// Do executes op and returns its response. A response carrying data is
// returned even when it also carries errors; a response without data fails
// with its errors.
//
// Transport errors and 5xx responses are retried according to WithRetry.
func (c *Client) Do(ctx context.Context, op relay.OperationDescriptor) (*relay.Response, error) {
	ctx, span := tracer.Start(ctx, "graphql "+op.Request.Key(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphql.operation.name", op.Request.Name),
			attribute.String("graphql.document.id", op.Request.ID),
			attribute.Bool("relay.force", op.CacheConfig.Force),
		),
	)
	defer span.End()

	resp, err := retry.DoWithData(
		func() (*relay.Response, error) {
			resp, errs, transient := c.request(ctx, op)
			switch {
			case errs == nil:
				return resp, nil
			case transient:
				return nil, errs
			default:
				return nil, retry.Unrecoverable(errs)
			}
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug().
				Err(err).
				Uint("attempt", n+1).
				Str("operation", op.Request.Key()).
				Msg("retrying request")
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// handleGzipResponse wraps the response body reader with a gzip decompressor
// if the Content-Encoding header indicates gzip compression.
func handleGzipResponse(resp *http.Response, bodyReader io.Reader) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(bodyReader)
		if err != nil {
			return nil, fmt.Errorf("problem trying to create gzip reader: %w", err)
		}
		return gr, nil
	}
	return io.NopCloser(bodyReader), nil
}

// copyResponseForDebug reads the entire response body into memory
// and returns both the bytes and a reader positioned at the start.
func copyResponseForDebug(r io.Reader) ([]byte, *bytes.Reader, error) {
	respBody, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return respBody, bytes.NewReader(respBody), nil
}

// request sends op once. transient reports whether a failure is worth
// retrying.
func (c *Client) request(ctx context.Context, op relay.OperationDescriptor) (resp *relay.Response, errs types.Errors, transient bool) {
	request, reqBody, err := c.BuildRequest(ctx, op)
	if err != nil {
		e := c.NewRequestError(
			types.ErrRequestError,
			fmt.Errorf("problem constructing request: %w", err),
			request,
			nil,
			bytes.NewReader(reqBody),
			nil,
		)
		return nil, types.Errors{e}, false
	}

	httpResp, err := c.httpClient.Do(request)
	if err != nil {
		e := c.NewRequestError(types.ErrRequestError, err, request, nil, bytes.NewReader(reqBody), nil)
		return nil, types.Errors{e}, ctx.Err() == nil
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		e := c.NewRequestError(
			types.ErrRequestError,
			fmt.Errorf("%v; body: %q", httpResp.Status, body),
			request,
			nil,
			bytes.NewReader(reqBody),
			nil,
		)
		retryable := httpResp.StatusCode >= http.StatusInternalServerError ||
			httpResp.StatusCode == http.StatusTooManyRequests
		return nil, types.Errors{e}, retryable
	}

	r, err := handleGzipResponse(httpResp, httpResp.Body)
	if err != nil {
		return nil, types.NewErrors(types.ErrJsonDecode, err), false
	}
	defer func() { _ = r.Close() }()

	var respBody []byte
	if c.debug {
		var debugReader *bytes.Reader
		respBody, debugReader, err = copyResponseForDebug(r)
		if err != nil {
			return nil, types.NewErrors(types.ErrJsonDecode, err), false
		}
		r = io.NopCloser(debugReader)
	}

	resp, gqlErrors := c.DecodeResponse(r)
	if len(gqlErrors) == 0 {
		return resp, nil, false
	}
	if gqlErrors[0].GetCode() == types.ErrJsonDecode {
		we := c.NewRequestError(
			types.ErrJsonDecode,
			fmt.Errorf("%s", gqlErrors[0].Message),
			request,
			httpResp,
			bytes.NewReader(reqBody),
			bytes.NewReader(respBody),
		)
		return nil, types.Errors{we}, false
	}

	// Decorate the first error if debug mode.
	if c.debug && gqlErrors[0].GetInternalExtensions() == nil {
		gqlErrors[0] = c.DecorateError(
			gqlErrors[0],
			request,
			httpResp,
			bytes.NewReader(reqBody),
			bytes.NewReader(respBody),
		)
		resp.Errors = gqlErrors
	}
	if resp.Data == nil {
		return nil, gqlErrors, false
	}
	return resp, nil, false
}

// BuildRequest constructs the HTTP request of op.
// It returns the HTTP request and the request body bytes (useful for error decoration).
func (c *Client) BuildRequest(ctx context.Context, op relay.OperationDescriptor) (*http.Request, []byte, error) {
	var variables map[string]any
	if len(op.Variables) > 0 {
		variables = op.Variables
	}
	in := struct {
		Query         string         `json:"query,omitempty"`
		Variables     map[string]any `json:"variables,omitempty"`
		OperationName string         `json:"operationName,omitempty"`
		ID            string         `json:"id,omitempty"`
	}{
		Query:         op.Request.Text,
		Variables:     variables,
		OperationName: op.Request.Name,
		ID:            op.Request.ID,
	}
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(in)
	if err != nil {
		return nil, nil, err
	}

	reqBody := buf.Bytes()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, reqBody, err
	}
	request.Header.Add("Content-Type", "application/json")
	if op.CacheConfig.Force {
		request.Header.Set("Cache-Control", "no-cache")
	}

	if c.requestModifier != nil {
		c.requestModifier(request)
	}

	return request, reqBody, nil
}

// DecodeResponse decodes a GraphQL JSON response.
// It returns the response and the GraphQL errors it carries.
func (c *Client) DecodeResponse(reader io.Reader) (*relay.Response, types.Errors) {
	var out relay.Response
	err := json.NewDecoder(reader).Decode(&out)
	if err != nil {
		return nil, types.NewErrors(types.ErrJsonDecode, err)
	}
	if len(out.Errors) > 0 {
		return &out, out.Errors
	}
	return &out, nil
}

// clone creates a copy of the Client with all fields preserved.
// This helper prevents field-copying bugs when adding new fields to Client.
func (c *Client) clone() *Client {
	clone := *c
	return &clone
}

// WithRequestModifier returns a new Client with the request modifier set.
// This allows you to reuse the same TCP connection for multiple slightly
// different requests to the same server (e.g., different authentication
// headers for multitenant applications).
func (c *Client) WithRequestModifier(f RequestModifier) *Client {
	clone := c.clone()
	clone.requestModifier = f
	return clone
}

// WithDebug returns a new Client with debug mode enabled or disabled.
// When enabled, debug mode adds detailed request/response information to
// error extensions, which is useful for troubleshooting GraphQL API issues.
func (c *Client) WithDebug(debug bool) *Client {
	clone := c.clone()
	clone.debug = debug
	return clone
}

// WithRetry returns a new Client making up to attempts tries per request,
// waiting delay (with exponential backoff) between them. Attempts below 1
// are raised to 1.
func (c *Client) WithRetry(attempts uint, delay time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	clone := c.clone()
	clone.attempts = attempts
	clone.delay = delay
	return clone
}

// WithLogger returns a new Client logging to logger.
func (c *Client) WithLogger(logger zerolog.Logger) *Client {
	clone := c.clone()
	clone.logger = logger
	return clone
}

// DecorateError decorates an error with request/response information if debug
// mode is enabled.
func (c *Client) DecorateError(
	err types.Error,
	req *http.Request,
	resp *http.Response,
	reqBody,
	respBody io.Reader,
) types.Error {
	if !c.debug {
		return err
	}

	if req != nil && reqBody != nil {
		err = err.WithRequest(req, reqBody)
	}

	if resp != nil && respBody != nil {
		err = err.WithResponse(resp, respBody)
	}

	return err
}

// NewRequestError creates a new error with the given code and decorates it with
// request/response information if debug mode is enabled.
func (c *Client) NewRequestError(
	code string,
	err error,
	req *http.Request,
	resp *http.Response,
	reqBody,
	respBody io.Reader,
) types.Error {
	e := types.NewError(code, err)
	return c.DecorateError(e, req, resp, reqBody, respBody)
}
