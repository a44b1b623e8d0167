package middleware

import "github.com/itskum47/ScrapeForge/scraper"

// DefaultChain is the stock pipeline wired into the server when no custom
// chain is configured. Request hooks run in this order.
func DefaultChain() []scraper.Middleware {
	return []scraper.Middleware{
		NewUserAgentInjector(UserAgentConfig{}),
		NewRobotsTxt(RobotsConfig{}, nil),
		NewRateLimiter(RateLimiterConfig{}),
		NewProxy(ProxyConfig{}),
		NewRequestLogging(),
		NewParser(),
	}
}
