package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/ScrapeForge/store"
)

// recordingMiddleware appends hook invocations to a shared trace.
type recordingMiddleware struct {
	name    string
	trace   *[]string
	reqErr  func() error
	respErr func() error
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) OnRequest(ctx context.Context, req *Request, config map[string]any) (*Request, error) {
	*m.trace = append(*m.trace, m.name+":request")
	if m.reqErr != nil {
		if err := m.reqErr(); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (m *recordingMiddleware) OnResponse(ctx context.Context, req *Request, resp *http.Response, config map[string]any) (*http.Response, error) {
	*m.trace = append(*m.trace, m.name+":response")
	if m.respErr != nil {
		if err := m.respErr(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func TestPipelineHookOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var trace []string
	c := NewContext(store.ScraperConfig{}, []Middleware{
		&recordingMiddleware{name: "a", trace: &trace},
		&recordingMiddleware{name: "b", trace: &trace},
	}).WithClient(srv.Client())

	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	want := []string{"a:request", "b:request", "b:response", "a:response"}
	if len(trace) != len(want) {
		t.Fatalf("unexpected trace: %v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, trace)
		}
	}
}

func TestPipelineShortCircuitsOnRequestError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	var trace []string
	denied := errors.New("denied")
	c := NewContext(store.ScraperConfig{}, []Middleware{
		&recordingMiddleware{name: "a", trace: &trace},
		&recordingMiddleware{name: "b", trace: &trace, reqErr: func() error { return denied }},
	}).WithClient(srv.Client())

	_, err := c.Get(context.Background(), srv.URL, nil)
	if !errors.Is(err, denied) {
		t.Fatalf("expected denied error, got %v", err)
	}
	if !strings.Contains(err.Error(), "middleware b") {
		t.Errorf("error not attributed to middleware: %v", err)
	}
	if hits.Load() != 0 {
		t.Error("request dispatched despite middleware failure")
	}
	for _, event := range trace {
		if strings.HasSuffix(event, ":response") {
			t.Errorf("response hook ran after short-circuit: %v", trace)
		}
	}
}

func TestPipelineRetryAfterRestarts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var trace []string
	var attempts int
	limiter := &recordingMiddleware{name: "limiter", trace: &trace, reqErr: func() error {
		attempts++
		if attempts <= 2 {
			return &RetryAfterError{Delay: time.Millisecond}
		}
		return nil
	}}
	c := NewContext(store.ScraperConfig{}, []Middleware{limiter}).WithClient(srv.Client())

	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if attempts != 3 {
		t.Errorf("expected 3 pipeline attempts, got %d", attempts)
	}
}

func TestPipelineRetryBudgetExhausted(t *testing.T) {
	var trace []string
	limiter := &recordingMiddleware{name: "limiter", trace: &trace, reqErr: func() error {
		return &RetryAfterError{Delay: time.Millisecond}
	}}
	c := NewContext(store.ScraperConfig{}, []Middleware{limiter})

	_, err := c.Get(context.Background(), "https://example.invalid/", nil)
	if err == nil || !strings.Contains(err.Error(), "retry budget exhausted") {
		t.Fatalf("expected retry budget error, got %v", err)
	}
}

func TestBatchGetPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	c := NewContext(store.ScraperConfig{}, nil).WithClient(srv.Client())
	urls := []string{srv.URL + "/0", srv.URL + "/1", srv.URL + "/2"}
	responses, err := c.BatchGet(context.Background(), urls, nil, 2)
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	for i, resp := range responses {
		if resp == nil {
			t.Fatalf("response %d missing", i)
		}
		resp.Body.Close()
		if resp.Request.URL.Path != urls[i][len(srv.URL):] {
			t.Errorf("response %d out of order: %s", i, resp.Request.URL.Path)
		}
	}
}

func TestBatchGetCollectsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewContext(store.ScraperConfig{}, nil).WithClient(srv.Client())
	urls := []string{srv.URL, "://broken-url", srv.URL}
	responses, err := c.BatchGet(context.Background(), urls, nil, 2)
	if err == nil {
		t.Fatal("expected joined error for the broken url")
	}
	if responses[0] == nil || responses[2] == nil {
		t.Error("healthy urls should still produce responses")
	}
	if responses[1] != nil {
		t.Error("broken url produced a response")
	}
	for _, resp := range responses {
		if resp != nil {
			resp.Body.Close()
		}
	}
}

func TestMiddlewareByName(t *testing.T) {
	var trace []string
	m := &recordingMiddleware{name: "a", trace: &trace}
	c := NewContext(store.ScraperConfig{}, []Middleware{m})

	got, err := c.Middleware("a")
	if err != nil || got != Middleware(m) {
		t.Errorf("expected middleware a, got %v %v", got, err)
	}
	if _, err := c.Middleware("nope"); err == nil {
		t.Error("unknown middleware name should error")
	}
}

func TestRunnerPersistsState(t *testing.T) {
	scrapers := store.NewMemoryScraperStorage(false)
	sc := &store.Scraper{ID: "s1", Name: "n", Handler: "h", State: "page=1"}
	scrapers.CreateScraper(context.Background(), sc)

	runner := NewRunner(scrapers, nil, nil)
	handler := &funcHandler{name: "h", fn: func(ctx context.Context, c *Context) (string, error) {
		if c.State != "page=1" {
			t.Errorf("previous state not seeded, got %q", c.State)
		}
		if err := c.UpdateState(ctx, "page=2"); err != nil {
			return "", err
		}
		return "done", nil
	}}

	result, err := runner.Run(context.Background(), handler, sc, nil)
	if err != nil || result != "done" {
		t.Fatalf("run: %v %v", result, err)
	}
	stored, _ := scrapers.GetScraper(context.Background(), "s1")
	if stored.State != "page=2" {
		t.Errorf("state not persisted, got %q", stored.State)
	}
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, c *Context) (string, error)
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Run(ctx context.Context, c *Context) (string, error) {
	return h.fn(ctx, c)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(
		&funcHandler{name: "b"},
		&funcHandler{name: "a"},
	)
	if names := reg.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected names: %v", names)
	}
	if !reg.Has("a") || reg.Has("c") {
		t.Error("Has broken")
	}
	if _, err := reg.Get("c"); !errors.Is(err, ErrUnknownHandler) {
		t.Errorf("expected ErrUnknownHandler, got %v", err)
	}
}
