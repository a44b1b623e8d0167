package middleware

import (
	"context"
	"net/http"

	"github.com/itskum47/ScrapeForge/scraper"
)

type RequestLoggingConfig struct {
	LogRequest  bool `json:"log_request"`
	LogResponse bool `json:"log_response"`
}

// RequestLogging writes every request and response into the task log.
type RequestLogging struct {
	defaults RequestLoggingConfig
}

func NewRequestLogging() *RequestLogging {
	return &RequestLogging{defaults: RequestLoggingConfig{LogRequest: true, LogResponse: true}}
}

func (m *RequestLogging) Name() string { return "requests_logging" }

func (m *RequestLogging) OnRequest(ctx context.Context, req *scraper.Request, config map[string]any) (*scraper.Request, error) {
	cfg := m.defaults
	if err := decodeConfig(m.defaults, config, &cfg); err != nil {
		return nil, err
	}
	if cfg.LogRequest {
		scraper.LoggerFrom(ctx).Printf("%s %s", req.Method, req.URL)
	}
	return req, nil
}

func (m *RequestLogging) OnResponse(ctx context.Context, req *scraper.Request, resp *http.Response, config map[string]any) (*http.Response, error) {
	cfg := m.defaults
	if err := decodeConfig(m.defaults, config, &cfg); err != nil {
		return nil, err
	}
	if cfg.LogResponse {
		scraper.LoggerFrom(ctx).Printf("%s %s: %d", req.Method, req.URL, resp.StatusCode)
	}
	return resp, nil
}
