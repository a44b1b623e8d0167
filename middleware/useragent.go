package middleware

import (
	"context"
	"math/rand"

	"github.com/itskum47/ScrapeForge/scraper"
)

type UserAgentConfig struct {
	// UseExternalData is accepted for config compatibility; the injector
	// always serves from the embedded pools.
	UseExternalData bool     `json:"use_external_data"`
	Browsers        []string `json:"browsers"`
}

// userAgentPools holds a small set of current desktop user agents per
// browser family.
var userAgentPools = map[string][]string{
	"chrome": {
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	},
	"firefox": {
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:127.0) Gecko/20100101 Firefox/127.0",
		"Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
	},
	"safari": {
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Safari/605.1.15",
	},
	"edge": {
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36 Edg/125.0.0.0",
	},
}

// UserAgentInjector sets a randomized User-Agent header on every request,
// drawn from the configured browser families.
type UserAgentInjector struct {
	defaults UserAgentConfig
}

func NewUserAgentInjector(defaults UserAgentConfig) *UserAgentInjector {
	return &UserAgentInjector{defaults: defaults}
}

func (m *UserAgentInjector) Name() string { return "user_agent_injecter" }

func (m *UserAgentInjector) OnRequest(ctx context.Context, req *scraper.Request, config map[string]any) (*scraper.Request, error) {
	// A caller-provided User-Agent wins over the pools.
	if req.Header.Get("User-Agent") != "" {
		return req, nil
	}
	cfg := m.defaults
	if err := decodeConfig(m.defaults, config, &cfg); err != nil {
		return nil, err
	}
	var pool []string
	browsers := cfg.Browsers
	if len(browsers) == 0 {
		for _, agents := range userAgentPools {
			pool = append(pool, agents...)
		}
	} else {
		for _, browser := range browsers {
			pool = append(pool, userAgentPools[browser]...)
		}
	}
	if len(pool) == 0 {
		return req, nil
	}
	req.Header.Set("User-Agent", pool[rand.Intn(len(pool))])
	return req, nil
}
