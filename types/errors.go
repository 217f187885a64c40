package types

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error codes stored under the "code" extension of errors produced on the
// client side.
const (
	ErrRequestError  = "request_error"
	ErrJsonEncode    = "json_encode_error"
	ErrJsonDecode    = "json_decode_error"
	ErrGraphQLEncode = "graphql_encode_error"
	ErrGraphQLDecode = "graphql_decode_error"
)

// Errors represents the "errors" array in a response from a GraphQL server.
// If returned via error interface, the slice is expected to contain at least 1 element.
//
// Specification: https://facebook.github.io/graphql/#sec-Errors.
type Errors []Error

// Location points at the part of a document an error relates to.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Error struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
}

// RequestInfo contains HTTP request information stored in error extensions.
type RequestInfo struct {
	Headers http.Header
	Body    string
}

// ResponseInfo contains HTTP response information stored in error extensions.
type ResponseInfo struct {
	Headers http.Header
	Body    string
}

// InternalExtensions contains internal debugging information stored in error
// extensions. This information is added when debug mode is enabled.
type InternalExtensions struct {
	Request  *RequestInfo
	Response *ResponseInfo
	Error    error
}

// Error implements error interface.
func (e Error) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("Message: %s, Locations: %+v, Path: %v", e.Message, e.Locations, e.Path)
	}
	return fmt.Sprintf("Message: %s, Locations: %+v", e.Message, e.Locations)
}

// Error implements error interface.
func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// GetCode returns the error code from the extensions, or an empty string if
// not present.
func (e Error) GetCode() string {
	if e.Extensions == nil {
		return ""
	}
	code, ok := e.Extensions["code"].(string)
	if !ok {
		return ""
	}
	return code
}

// GetInternalExtensions returns the typed internal extensions, or nil if not
// present.
func (e Error) GetInternalExtensions() *InternalExtensions {
	internal, ok := e.Extensions["internal"].(map[string]any)
	if !ok {
		return nil
	}

	ext := &InternalExtensions{}
	if req, ok := internal["request"].(map[string]any); ok {
		ext.Request = &RequestInfo{}
		ext.Request.Headers, _ = req["headers"].(http.Header)
		ext.Request.Body, _ = req["body"].(string)
	}
	if resp, ok := internal["response"].(map[string]any); ok {
		ext.Response = &ResponseInfo{}
		ext.Response.Headers, _ = resp["headers"].(http.Header)
		ext.Response.Body, _ = resp["body"].(string)
	}
	if err, ok := internal["error"].(error); ok {
		ext.Error = err
	}
	return ext
}

// WithRequest attaches the headers and body of req to the error.
func (e Error) WithRequest(req *http.Request, body io.Reader) Error {
	return e.withDebugInfo("request", req.Header, body)
}

// WithResponse attaches the headers and body of res to the error.
func (e Error) WithResponse(res *http.Response, body io.Reader) Error {
	return e.withDebugInfo("response", res.Header, body)
}

func (e Error) withDebugInfo(infoType string, headers http.Header, bodyReader io.Reader) Error {
	ext := make(map[string]any, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		ext[k] = v
	}
	internal := make(map[string]any)
	if prev, ok := ext["internal"].(map[string]any); ok {
		for k, v := range prev {
			internal[k] = v
		}
	}

	bodyBytes, err := io.ReadAll(bodyReader)
	if err != nil {
		internal["error"] = err
	} else {
		internal[infoType] = map[string]any{
			"headers": headers,
			"body":    string(bodyBytes),
		}
	}
	ext["internal"] = internal
	e.Extensions = ext
	return e
}

// NewError creates a new Error with the given code. The message is taken from
// err.
func NewError(code string, err error) Error {
	return Error{
		Message: err.Error(),
		Extensions: map[string]any{
			"code": code,
		},
	}
}

// NewErrors wraps err in a single element Errors slice.
func NewErrors(code string, err error) Errors {
	return Errors{NewError(code, err)}
}
