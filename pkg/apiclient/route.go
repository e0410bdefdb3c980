// Package apiclient provides the typed request layer used to talk to the CARE REST backend.
// A Route describes an endpoint once; Request resolves it into an HTTP call and returns a
// discriminated Result instead of panicking or throwing on expected failures.
package apiclient

import (
	"context"
	"net/http"
	"time"
)

// ResponseKind tags the shape a route is expected to answer with
type ResponseKind int

const (
	// ResponseJSON decodes the body as JSON into the route's data type
	ResponseJSON ResponseKind = iota
	// ResponseText hands the raw text back (data type must be string)
	ResponseText
	// ResponseBlob hands the raw bytes back (data type must be []byte)
	ResponseBlob
	// ResponseNone ignores the body entirely
	ResponseNone
)

// Route describes an API operation. TData is the response shape, TBody the request body shape.
type Route[TData, TBody any] struct {
	Path     string
	Method   string
	NoAuth   bool
	Response ResponseKind
}

// Get declares a GET route
func Get[TData any](path string) Route[TData, struct{}] {
	return Route[TData, struct{}]{Path: path, Method: http.MethodGet}
}

// Post declares a POST route
func Post[TData, TBody any](path string) Route[TData, TBody] {
	return Route[TData, TBody]{Path: path, Method: http.MethodPost}
}

// Put declares a PUT route
func Put[TData, TBody any](path string) Route[TData, TBody] {
	return Route[TData, TBody]{Path: path, Method: http.MethodPut}
}

// Patch declares a PATCH route
func Patch[TData, TBody any](path string) Route[TData, TBody] {
	return Route[TData, TBody]{Path: path, Method: http.MethodPatch}
}

// Delete declares a DELETE route
func Delete[TData any](path string) Route[TData, struct{}] {
	return Route[TData, struct{}]{Path: path, Method: http.MethodDelete, Response: ResponseNone}
}

// Options is the per-call configuration of a request
type Options[TData, TBody any] struct {
	// PathParams fills the {placeholders} of the route path
	PathParams map[string]any
	// Query is appended to the URL in order
	Query Query
	// Body is JSON encoded when set
	Body *TBody
	// Silent suppresses the notification sink for error results
	Silent bool
	// OnResponse observes the full result before notification
	OnResponse func(Result[TData])
}

// Response is the transport metadata kept after the body has been consumed
type Response struct {
	StatusCode int
	Header     http.Header
	URL        string
	Duration   time.Duration
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Result is the outcome of a request. Exactly one of data or error is meaningful:
// when Err is nil the call succeeded and Data holds the decoded payload.
type Result[T any] struct {
	Res  *Response
	Data T
	Body Body
	Err  error
}

// OK reports whether the result carries data rather than an error
func (r Result[T]) OK() bool { return r.Err == nil }

// CredentialStore supplies the bearer token for authenticated routes.
// An empty token means the request goes out without Authorization.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
}

// Level classifies a notification
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelSuccess Level = "success"
)

// Notification is a single pre-formatted, user facing message
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	Route   string `json:"route,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// Notifier is the global notification sink
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Recorder observes completed requests, typically for metrics
type Recorder interface {
	ObserveRequest(route, method string, status int, outcome string, d time.Duration)
}
