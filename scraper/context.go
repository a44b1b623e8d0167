package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/ScrapeForge/observability"
	"github.com/itskum47/ScrapeForge/store"
)

// DefaultPipelineRestarts bounds how often a single request may be
// restarted on RetryAfterError before giving up.
const DefaultPipelineRestarts = 3

// Context is the facade handlers scrape through. Every request runs the
// middleware pipeline: request hooks in registration order, dispatch,
// response hooks in reverse order.
type Context struct {
	// Params is the scraper's opaque handler configuration.
	Params map[string]any
	// State is the blob persisted by the previous run, if any.
	State  string
	Logger *log.Logger

	client      *http.Client
	middlewares []Middleware
	overrides   map[string]map[string]any
	saveState   func(ctx context.Context, state string) error
	maxRestarts int

	mu           sync.Mutex
	proxyClients map[string]*http.Client
}

func NewContext(cfg store.ScraperConfig, middlewares []Middleware) *Context {
	c := &Context{
		Params:       cfg.Params,
		Logger:       log.Default(),
		client:       http.DefaultClient,
		middlewares:  middlewares,
		overrides:    cfg.MiddlewareConfig,
		maxRestarts:  DefaultPipelineRestarts,
		proxyClients: make(map[string]*http.Client),
	}
	known := make(map[string]bool, len(middlewares))
	for _, m := range middlewares {
		known[m.Name()] = true
	}
	for name := range c.overrides {
		if !known[name] {
			log.Printf("Scraper: config override for unknown middleware %q ignored", name)
		}
	}
	return c
}

func (c *Context) WithLogger(logger *log.Logger) *Context {
	if logger != nil {
		c.Logger = logger
	}
	return c
}

func (c *Context) WithClient(client *http.Client) *Context {
	if client != nil {
		c.client = client
	}
	return c
}

// WithState seeds the persisted state and the callback UpdateState writes
// through.
func (c *Context) WithState(state string, save func(ctx context.Context, state string) error) *Context {
	c.State = state
	c.saveState = save
	return c
}

// Middleware returns the named pipeline plugin so handlers can reach
// functional ones (parser helpers).
func (c *Context) Middleware(name string) (Middleware, error) {
	for _, m := range c.middlewares {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("middleware %q is not configured", name)
}

// UpdateState persists the handler's state blob for the next run.
func (c *Context) UpdateState(ctx context.Context, state string) error {
	c.State = state
	if c.saveState == nil {
		return nil
	}
	return c.saveState(ctx, state)
}

func (c *Context) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url, Header: header})
}

func (c *Context) Head(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodHead, URL: url, Header: header})
}

func (c *Context) Options(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodOptions, URL: url, Header: header})
}

func (c *Context) Delete(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, URL: url, Header: header})
}

func (c *Context) Post(ctx context.Context, url string, header http.Header, body []byte) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, URL: url, Header: header, Body: body})
}

func (c *Context) Put(ctx context.Context, url string, header http.Header, body []byte) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, URL: url, Header: header, Body: body})
}

func (c *Context) Patch(ctx context.Context, url string, header http.Header, body []byte) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, URL: url, Header: header, Body: body})
}

// BatchGet fetches urls with at most maxConcurrency in flight. Responses
// come back in input order; failed slots are nil and their errors joined.
func (c *Context) BatchGet(ctx context.Context, urls []string, header http.Header, maxConcurrency int) ([]*http.Response, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	responses := make([]*http.Response, len(urls))
	errs := make([]error, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			resp, err := c.Get(gctx, u, header)
			responses[i] = resp
			errs[i] = err
			return nil
		})
	}
	g.Wait()
	return responses, errors.Join(errs...)
}

// Do runs one request through the full pipeline. A middleware returning
// RetryAfterError restarts the pipeline after the delay, at most
// maxRestarts times.
func (c *Context) Do(ctx context.Context, req *Request) (*http.Response, error) {
	ctx = WithLogger(ctx, c.Logger)
	restarts := 0
	for {
		resp, retryAfter, err := c.attempt(ctx, req)
		if err != nil {
			return nil, err
		}
		if retryAfter == nil {
			return resp, nil
		}
		restarts++
		if restarts > c.maxRestarts {
			return nil, fmt.Errorf("request to %s: retry budget exhausted after %d restarts", req.URL, c.maxRestarts)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryAfter.Delay):
		}
	}
}

func (c *Context) attempt(ctx context.Context, req *Request) (*http.Response, *RetryAfterError, error) {
	cur := req.clone()
	for _, m := range c.middlewares {
		rm, ok := m.(RequestMiddleware)
		if !ok {
			continue
		}
		observability.MiddlewareInvocations.WithLabelValues(m.Name(), "on_request").Inc()
		out, err := rm.OnRequest(ctx, cur, c.overrides[m.Name()])
		if err != nil {
			var retryAfter *RetryAfterError
			if errors.As(err, &retryAfter) {
				return nil, retryAfter, nil
			}
			return nil, nil, fmt.Errorf("middleware %s: %w", m.Name(), err)
		}
		if out != nil {
			cur = out
		}
	}

	resp, err := c.dispatch(ctx, cur)
	if err != nil {
		return nil, nil, err
	}

	for i := len(c.middlewares) - 1; i >= 0; i-- {
		rm, ok := c.middlewares[i].(ResponseMiddleware)
		if !ok {
			continue
		}
		observability.MiddlewareInvocations.WithLabelValues(c.middlewares[i].Name(), "on_response").Inc()
		out, err := rm.OnResponse(ctx, cur, resp, c.overrides[c.middlewares[i].Name()])
		if err != nil {
			resp.Body.Close()
			var retryAfter *RetryAfterError
			if errors.As(err, &retryAfter) {
				return nil, retryAfter, nil
			}
			return nil, nil, fmt.Errorf("middleware %s: %w", c.middlewares[i].Name(), err)
		}
		if out != nil {
			resp = out
		}
	}
	return resp, nil, nil
}

func (c *Context) dispatch(ctx context.Context, req *Request) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return c.clientFor(req).Do(httpReq)
}

// clientFor returns the shared client, or a proxied derivative when the
// proxy middleware routed this request.
func (c *Context) clientFor(req *Request) *http.Client {
	if req.Proxy == nil {
		return c.client
	}
	key := req.Proxy.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.proxyClients[key]; ok {
		return client
	}
	proxied := *c.client
	var base *http.Transport
	if t, ok := c.client.Transport.(*http.Transport); ok {
		base = t.Clone()
	} else {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	base.Proxy = http.ProxyURL(req.Proxy)
	proxied.Transport = base
	c.proxyClients[key] = &proxied
	return &proxied
}

// DownloadFile fetches url into path, or a temp file when path is empty.
// When process is set it is called with the file path and the file is
// removed afterwards; the returned path is then empty.
func (c *Context) DownloadFile(ctx context.Context, method, url, path string, process func(path string) error) (string, error) {
	resp, err := c.Do(ctx, &Request{Method: method, URL: url})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var f *os.File
	if path == "" {
		f, err = os.CreateTemp("", "scrapeforge-download-*")
	} else {
		f, err = os.Create(path)
	}
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	path = f.Name()
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("download %s: %w", url, copyErr)
	}
	if closeErr != nil {
		os.Remove(path)
		return "", closeErr
	}

	if process != nil {
		defer os.Remove(path)
		if err := process(path); err != nil {
			return "", err
		}
		return "", nil
	}
	return path, nil
}
