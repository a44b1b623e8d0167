package middleware

import (
	"context"
	"fmt"
	"net/url"

	"github.com/itskum47/ScrapeForge/scraper"
)

type ProxyConfig struct {
	Proxy    string `json:"proxy"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Proxy routes requests through a forward proxy, with optional basic auth
// credentials embedded in the proxy URL.
type Proxy struct {
	defaults ProxyConfig
}

func NewProxy(defaults ProxyConfig) *Proxy {
	return &Proxy{defaults: defaults}
}

func (m *Proxy) Name() string { return "proxy" }

func (m *Proxy) OnRequest(ctx context.Context, req *scraper.Request, config map[string]any) (*scraper.Request, error) {
	cfg := m.defaults
	if err := decodeConfig(m.defaults, config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Proxy == "" {
		return req, nil
	}
	proxyURL, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if cfg.Username != "" {
		proxyURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	req.Proxy = proxyURL
	return req, nil
}
