package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/itskum47/ScrapeForge/scraper"
)

const (
	// ViolationLog only warns into the task log when robots.txt disallows
	// the URL.
	ViolationLog = "LOG"
	// ViolationThrow fails the request instead.
	ViolationThrow = "THROW"
)

// RobotsViolationError marks a request blocked by the target's robots.txt.
type RobotsViolationError struct {
	URL string
}

func (e *RobotsViolationError) Error() string {
	return fmt.Sprintf("robots.txt disallows %s", e.URL)
}

type RobotsConfig struct {
	ViolationStrategy string `json:"violation_strategy"`
}

// RobotsTxt checks outgoing requests against the target host's robots.txt.
// Rules are cached per host; unreachable or erroring robots endpoints fail
// open so a broken robots server never blocks scraping.
type RobotsTxt struct {
	defaults RobotsConfig
	client   *http.Client
	cache    *gocache.Cache
}

func NewRobotsTxt(defaults RobotsConfig, client *http.Client) *RobotsTxt {
	if defaults.ViolationStrategy == "" {
		defaults.ViolationStrategy = ViolationLog
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsTxt{
		defaults: defaults,
		client:   client,
		cache:    gocache.New(time.Hour, 10*time.Minute),
	}
}

func (m *RobotsTxt) Name() string { return "robots_txt" }

func (m *RobotsTxt) OnRequest(ctx context.Context, req *scraper.Request, config map[string]any) (*scraper.Request, error) {
	cfg := m.defaults
	if err := decodeConfig(m.defaults, config, &cfg); err != nil {
		return nil, err
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Hostname() == "" {
		return req, nil
	}
	rules := m.rules(ctx, target)
	if rules == nil {
		return req, nil
	}
	if rules.allowed(req.Header.Get("User-Agent"), target.Path) {
		return req, nil
	}
	if cfg.ViolationStrategy == ViolationThrow {
		return nil, &RobotsViolationError{URL: req.URL}
	}
	scraper.LoggerFrom(ctx).Printf("robots.txt disallows %s, continuing anyway", req.URL)
	return req, nil
}

// rules returns the parsed rules for the target's host, or nil when
// everything is allowed (no robots.txt, fetch failure, server error).
func (m *RobotsTxt) rules(ctx context.Context, target *url.URL) *robotsRules {
	key := target.Scheme + "://" + target.Host
	if cached, ok := m.cache.Get(key); ok {
		rules, _ := cached.(*robotsRules)
		return rules
	}
	rules := m.fetch(ctx, key+"/robots.txt")
	m.cache.Set(key, rules, gocache.DefaultExpiration)
	return rules
}

func (m *RobotsTxt) fetch(ctx context.Context, robotsURL string) *robotsRules {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// 404 means no rules; 5xx fails open too.
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}
	return parseRobots(string(body))
}

type robotsRule struct {
	path  string
	allow bool
}

type robotsGroup struct {
	agents []string
	rules  []robotsRule
}

type robotsRules struct {
	groups []robotsGroup
}

// parseRobots handles the common grammar: User-agent groups with Allow
// and Disallow prefix rules. Unknown directives are skipped.
func parseRobots(body string) *robotsRules {
	rules := &robotsRules{}
	var current *robotsGroup
	inAgents := false
	for _, line := range strings.Split(body, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)
		switch field {
		case "user-agent":
			if !inAgents {
				rules.groups = append(rules.groups, robotsGroup{})
				current = &rules.groups[len(rules.groups)-1]
			}
			current.agents = append(current.agents, strings.ToLower(value))
			inAgents = true
		case "allow", "disallow":
			if current == nil {
				continue
			}
			inAgents = false
			if value == "" {
				continue
			}
			current.rules = append(current.rules, robotsRule{path: value, allow: field == "allow"})
		default:
			inAgents = false
		}
	}
	return rules
}

// allowed applies the longest-match rule of the group matching userAgent,
// falling back to the wildcard group. Allow wins ties.
func (r *robotsRules) allowed(userAgent, path string) bool {
	if path == "" {
		path = "/"
	}
	group := r.matchGroup(userAgent)
	if group == nil {
		return true
	}
	bestLen := -1
	bestAllow := true
	for _, rule := range group.rules {
		if !strings.HasPrefix(path, rule.path) {
			continue
		}
		if len(rule.path) > bestLen || (len(rule.path) == bestLen && rule.allow) {
			bestLen = len(rule.path)
			bestAllow = rule.allow
		}
	}
	return bestAllow
}

func (r *robotsRules) matchGroup(userAgent string) *robotsGroup {
	userAgent = strings.ToLower(userAgent)
	var wildcard *robotsGroup
	var best *robotsGroup
	bestLen := 0
	for i := range r.groups {
		for _, agent := range r.groups[i].agents {
			if agent == "*" {
				if wildcard == nil {
					wildcard = &r.groups[i]
				}
				continue
			}
			if strings.Contains(userAgent, agent) && len(agent) > bestLen {
				best = &r.groups[i]
				bestLen = len(agent)
			}
		}
	}
	if best != nil {
		return best
	}
	return wildcard
}
