package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dop251/goja"
)

// DynamicHandlerName is the registry name of the user-supplied-source
// handler.
const DynamicHandlerName = "dynamic_scraper"

// DynamicHandler executes user JavaScript from the scraper params. The
// source must define handler(ctx, kwargs); it runs in a VM whose only host
// surface is the ctx bridge, so scripts cannot reach the filesystem,
// storages or arbitrary network beyond the scraping context.
type DynamicHandler struct{}

func NewDynamicHandler() *DynamicHandler { return &DynamicHandler{} }

func (h *DynamicHandler) Name() string { return DynamicHandlerName }

func (h *DynamicHandler) Run(ctx context.Context, c *Context) (string, error) {
	source, _ := c.Params["source_code"].(string)
	if source == "" {
		return "", errors.New("dynamic handler: params.source_code is required")
	}
	kwargs, _ := c.Params["kwargs"].(map[string]any)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	// Interrupt the VM when the task is cancelled or times out.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	bridge, err := h.buildBridge(ctx, vm, c)
	if err != nil {
		return "", err
	}

	if _, err := vm.RunString(source); err != nil {
		return "", fmt.Errorf("dynamic handler: compile: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("handler"))
	if !ok {
		return "", errors.New("dynamic handler: source does not define handler(ctx, kwargs)")
	}

	value, err := fn(goja.Undefined(), bridge, vm.ToValue(kwargs))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
		}
		return "", fmt.Errorf("dynamic handler: %w", err)
	}
	return renderResult(value)
}

// buildBridge exposes the scraping context to the script: HTTP verbs that
// return {status, headers, body}, params, state access and logging.
func (h *DynamicHandler) buildBridge(ctx context.Context, vm *goja.Runtime, c *Context) (*goja.Object, error) {
	fetch := func(method string) func(url string, body string) (map[string]any, error) {
		return func(url string, body string) (map[string]any, error) {
			req := &Request{Method: method, URL: url}
			if body != "" {
				req.Body = []byte(body)
			}
			resp, err := c.Do(ctx, req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			headers := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				headers[k] = resp.Header.Get(k)
			}
			return map[string]any{
				"status":  resp.StatusCode,
				"headers": headers,
				"body":    string(data),
			}, nil
		}
	}

	bridge := vm.NewObject()
	for name, method := range map[string]string{
		"get":     http.MethodGet,
		"post":    http.MethodPost,
		"put":     http.MethodPut,
		"patch":   http.MethodPatch,
		"delete":  http.MethodDelete,
		"head":    http.MethodHead,
		"options": http.MethodOptions,
	} {
		if err := bridge.Set(name, fetch(method)); err != nil {
			return nil, fmt.Errorf("dynamic handler: bridge: %w", err)
		}
	}
	if err := bridge.Set("params", c.Params); err != nil {
		return nil, err
	}
	if err := bridge.Set("state", c.State); err != nil {
		return nil, err
	}
	if err := bridge.Set("updateState", func(state string) error {
		return c.UpdateState(ctx, state)
	}); err != nil {
		return nil, err
	}
	if err := bridge.Set("log", func(msg string) {
		c.Logger.Println(msg)
	}); err != nil {
		return nil, err
	}
	return bridge, nil
}

func renderResult(value goja.Value) (string, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "no result was returned", nil
	}
	exported := value.Export()
	if s, ok := exported.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		return "", fmt.Errorf("dynamic handler: encode result: %w", err)
	}
	return string(raw), nil
}
