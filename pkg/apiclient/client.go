package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Doer performs the transport call
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Breaker guards the transport call
type Breaker interface {
	Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)
}

// Client holds the collaborators shared by every request. It keeps no per-call
// state and is safe for concurrent use.
type Client struct {
	baseURL    string
	http       Doer
	creds      CredentialStore
	notifier   Notifier
	recorder   Recorder
	breaker    Breaker
	logger     *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the transport
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

// WithCredentials sets the bearer token source
func WithCredentials(s CredentialStore) Option {
	return func(c *Client) { c.creds = s }
}

// WithNotifier sets the sink for non-silent errors
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithRecorder sets the request observer
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithBreaker guards transport calls with a circuit breaker
func WithBreaker(b Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the API rooted at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("apiclient"),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root
func (c *Client) BaseURL() string { return c.baseURL }

// Headers builds the outgoing headers for a route
func (c *Client) Headers(ctx context.Context, noAuth bool) (http.Header, error) {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-Request-ID", uuid.New().String())

	if !noAuth && c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		if token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	}

	c.propagator.Inject(ctx, propagation.HeaderCarrier(h))
	return h, nil
}

// Request performs one call described by route. Expected failures (HTTP errors,
// transport errors, cancellation) come back in Result.Err; Request never panics on them.
func Request[TData, TBody any](ctx context.Context, c *Client, route Route[TData, TBody], opts Options[TData, TBody]) Result[TData] {
	path := MakeURL(route.Path, opts.Query, opts.PathParams)

	ctx, span := c.tracer.Start(ctx, "apiclient.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", route.Method),
			attribute.String("http.route", route.Path),
		))
	defer span.End()

	start := time.Now()
	result, resp := execute(ctx, c, route, opts, path)

	status := 0
	if result.Res != nil {
		status = result.Res.StatusCode
		result.Res.Duration = time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", status))
	}

	canceled := result.Err != nil && IsCanceled(result.Err)
	switch {
	case canceled:
		c.logger.Debug("request canceled",
			zap.String("method", route.Method),
			zap.String("path", path))
	case result.Err != nil && resp == nil:
		c.logger.Error("request failed",
			zap.String("method", route.Method),
			zap.String("path", path),
			zap.Error(result.Err))
	case errors.Is(result.Err, ErrDecode):
		c.logger.Warn("response did not match route shape",
			zap.String("method", route.Method),
			zap.String("path", path),
			zap.Error(result.Err))
	}

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}

	if c.recorder != nil {
		c.recorder.ObserveRequest(route.Path, route.Method, status, outcome(result.Err, canceled), time.Since(start))
	}

	if canceled {
		return result
	}

	if opts.OnResponse != nil {
		opts.OnResponse(result)
	}
	if result.Err != nil && !opts.Silent {
		c.notify(ctx, route.Path, status, result.Err)
	}
	return result
}

func execute[TData, TBody any](ctx context.Context, c *Client, route Route[TData, TBody], opts Options[TData, TBody], path string) (Result[TData], *http.Response) {
	var result Result[TData]

	headers, err := c.Headers(ctx, route.NoAuth)
	if err != nil {
		result.Err = err
		return result, nil
	}

	var reader io.Reader
	if opts.Body != nil {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			result.Err = fmt.Errorf("encode request body: %w", err)
			return result, nil
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, c.baseURL+path, reader)
	if err != nil {
		result.Err = fmt.Errorf("build request: %w", err)
		return result, nil
	}
	req.Header = headers

	resp, err := c.send(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) && !IsCanceled(err) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		result.Err = err
		return result, nil
	}

	result.Res = &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		URL:        req.URL.String(),
	}
	result.Body = NormalizeBody(resp)

	if !result.Res.OK() {
		result.Err = &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     route.Method,
			Path:       path,
			Body:       result.Body,
		}
		return result, resp
	}

	data, err := decode[TData](route.Response, result.Body)
	if err != nil {
		result.Err = fmt.Errorf("%w: %s %s: %v", ErrDecode, route.Method, path, err)
		return result, resp
	}
	result.Data = data
	return result, resp
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.http.Do(req)
	}

	out, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &serverStatusError{resp: resp}
		}
		return resp, nil
	})

	var statusErr *serverStatusError
	if errors.As(err, &statusErr) {
		return statusErr.resp, nil
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// serverStatusError lets a 5xx response count as a breaker failure while
// still reaching the caller as an ordinary response.
type serverStatusError struct {
	resp *http.Response
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("server responded %d", e.resp.StatusCode)
}

func (c *Client) notify(ctx context.Context, route string, status int, err error) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, Notification{
		Level:   LevelError,
		Message: FormatError(err),
		Route:   route,
		Status:  status,
	})
}

func decode[T any](kind ResponseKind, body Body) (T, error) {
	var out T
	switch target := any(&out).(type) {
	case *Body:
		*target = body
		return out, nil
	case *string:
		if body.Kind == BodyBlob {
			*target = string(body.Blob)
		} else {
			*target = body.String()
		}
		return out, nil
	case *[]byte:
		switch body.Kind {
		case BodyBlob:
			*target = body.Blob
		case BodyJSON:
			*target = []byte(body.JSON)
		case BodyText:
			*target = []byte(body.Text)
		}
		return out, nil
	}

	if kind == ResponseNone || body.Kind == BodyNone {
		return out, nil
	}
	if body.Kind != BodyJSON {
		return out, fmt.Errorf("expected json body, got %s", body.Kind)
	}
	if err := json.Unmarshal(body.JSON, &out); err != nil {
		return out, err
	}
	return out, nil
}

func outcome(err error, canceled bool) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "success"
	case canceled:
		return "canceled"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	default:
		return "transport_error"
	}
}
