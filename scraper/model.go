package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Request is the mutable outgoing request middleware operate on before it
// is dispatched.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Proxy routes this request through a forward proxy when set.
	Proxy *url.URL
}

func (r *Request) clone() *Request {
	cp := *r
	cp.Header = r.Header.Clone()
	if cp.Header == nil {
		cp.Header = http.Header{}
	}
	return &cp
}

// Host returns the request's hostname, empty when the URL is unparseable.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Middleware is a named pipeline plugin. Implement RequestMiddleware,
// ResponseMiddleware or both; purely functional plugins (parsers) implement
// neither and are only reachable through Context.Middleware.
type Middleware interface {
	Name() string
}

// RequestMiddleware hooks run in registration order before dispatch.
type RequestMiddleware interface {
	Middleware
	OnRequest(ctx context.Context, req *Request, config map[string]any) (*Request, error)
}

// ResponseMiddleware hooks run in reverse registration order after dispatch.
type ResponseMiddleware interface {
	Middleware
	OnResponse(ctx context.Context, req *Request, resp *http.Response, config map[string]any) (*http.Response, error)
}

// RetryAfterError tells the pipeline to sleep and restart from the first
// middleware instead of failing the request.
type RetryAfterError struct {
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.Delay)
}

// Handler is user scraping logic. The returned string becomes the task
// result.
type Handler interface {
	Name() string
	Run(ctx context.Context, c *Context) (string, error)
}

var ErrUnknownHandler = errors.New("unknown scraper handler")

type ctxKey int

const loggerKey ctxKey = iota

// WithLogger attaches the task logger so middleware can write into the
// task's log stream.
func WithLogger(ctx context.Context, logger *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFrom returns the attached task logger, or the process logger.
func LoggerFrom(ctx context.Context) *log.Logger {
	if logger, ok := ctx.Value(loggerKey).(*log.Logger); ok && logger != nil {
		return logger
	}
	return log.Default()
}
