package scraper

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/itskum47/ScrapeForge/store"
)

// Registry holds the scraper handlers available to this deployment.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	return h, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) All() []Handler {
	out := make([]Handler, 0, len(r.handlers))
	for _, name := range r.Names() {
		out = append(out, r.handlers[name])
	}
	return out
}

// Runner executes handlers under a scraping context wired with this
// deployment's middleware chain and HTTP client.
type Runner struct {
	scrapers    store.ScraperStorage
	middlewares []Middleware
	client      *http.Client
}

func NewRunner(scrapers store.ScraperStorage, middlewares []Middleware, client *http.Client) *Runner {
	if client == nil {
		client = http.DefaultClient
	}
	return &Runner{scrapers: scrapers, middlewares: middlewares, client: client}
}

// Run executes handler for a stored scraper. State written through
// ctx.UpdateState is persisted back onto the scraper.
func (r *Runner) Run(ctx context.Context, handler Handler, sc *store.Scraper, logger *log.Logger) (string, error) {
	c := NewContext(sc.Config, r.middlewares).
		WithLogger(logger).
		WithClient(r.client).
		WithState(sc.State, func(ctx context.Context, state string) error {
			cur, err := r.scrapers.GetScraper(ctx, sc.ID)
			if err != nil {
				return fmt.Errorf("load scraper for state update: %w", err)
			}
			cur.State = state
			if _, err := r.scrapers.UpdateScraper(ctx, cur); err != nil {
				return fmt.Errorf("persist scraper state: %w", err)
			}
			return nil
		})
	return handler.Run(ctx, c)
}

// RunEphemeral executes handler without a stored scraper. State updates
// stay in memory for the duration of the run.
func (r *Runner) RunEphemeral(ctx context.Context, handler Handler, cfg store.ScraperConfig, state string, logger *log.Logger) (string, error) {
	c := NewContext(cfg, r.middlewares).
		WithLogger(logger).
		WithClient(r.client).
		WithState(state, nil)
	return handler.Run(ctx, c)
}
