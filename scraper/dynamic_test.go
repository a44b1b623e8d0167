package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itskum47/ScrapeForge/store"
)

func dynamicContext(source string, kwargs map[string]any, client *http.Client) *Context {
	cfg := store.ScraperConfig{Params: map[string]any{"source_code": source}}
	if kwargs != nil {
		cfg.Params["kwargs"] = kwargs
	}
	return NewContext(cfg, nil).WithClient(client)
}

func TestDynamicHandlerScrapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<title>hello</title>"))
	}))
	defer srv.Close()

	source := `
function handler(ctx, kwargs) {
	ctx.log("fetching " + kwargs.url);
	var resp = ctx.get(kwargs.url, "");
	if (resp.status !== 200) {
		throw new Error("bad status " + resp.status);
	}
	return resp.body;
}`
	h := NewDynamicHandler()
	c := dynamicContext(source, map[string]any{"url": srv.URL}, srv.Client())

	result, err := h.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "<title>hello</title>" {
		t.Errorf("unexpected result: %q", result)
	}
}

func TestDynamicHandlerObjectResultIsJSON(t *testing.T) {
	source := `function handler(ctx, kwargs) { return {count: 3}; }`
	h := NewDynamicHandler()
	result, err := h.Run(context.Background(), dynamicContext(source, nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != `{"count":3}` {
		t.Errorf("unexpected result: %q", result)
	}
}

func TestDynamicHandlerNoResult(t *testing.T) {
	source := `function handler(ctx, kwargs) {}`
	h := NewDynamicHandler()
	result, err := h.Run(context.Background(), dynamicContext(source, nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "no result was returned" {
		t.Errorf("unexpected result: %q", result)
	}
}

func TestDynamicHandlerSyntaxError(t *testing.T) {
	h := NewDynamicHandler()
	_, err := h.Run(context.Background(), dynamicContext("function handler( {", nil, nil))
	if err == nil || !strings.Contains(err.Error(), "compile") {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestDynamicHandlerMissingSymbol(t *testing.T) {
	h := NewDynamicHandler()
	_, err := h.Run(context.Background(), dynamicContext("var x = 1;", nil, nil))
	if err == nil || !strings.Contains(err.Error(), "does not define handler") {
		t.Fatalf("expected missing handler error, got %v", err)
	}
}

func TestDynamicHandlerMissingSource(t *testing.T) {
	h := NewDynamicHandler()
	_, err := h.Run(context.Background(), NewContext(store.ScraperConfig{}, nil))
	if err == nil || !strings.Contains(err.Error(), "source_code") {
		t.Fatalf("expected missing source error, got %v", err)
	}
}

func TestDynamicHandlerCancellation(t *testing.T) {
	source := `function handler(ctx, kwargs) { for (;;) {} }`
	h := NewDynamicHandler()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := h.Run(ctx, dynamicContext(source, nil, nil))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("infinite script not interrupted")
	}
}

func TestDynamicHandlerStateBridge(t *testing.T) {
	source := `
function handler(ctx, kwargs) {
	var previous = ctx.state;
	ctx.updateState("cursor=10");
	return previous;
}`
	h := NewDynamicHandler()
	c := dynamicContext(source, nil, nil).WithState("cursor=5", nil)

	result, err := h.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "cursor=5" {
		t.Errorf("previous state not exposed, got %q", result)
	}
	if c.State != "cursor=10" {
		t.Errorf("state not updated, got %q", c.State)
	}
}
