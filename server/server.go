// Package server composes the platform: storages, queue, scheduler,
// consumer, handler registry and the HTTP surface. Replicas can run all
// components or a subset (API-only frontends, worker-only fleets).
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/ScrapeForge/middleware"
	"github.com/itskum47/ScrapeForge/queue"
	"github.com/itskum47/ScrapeForge/scheduler"
	"github.com/itskum47/ScrapeForge/scraper"
	"github.com/itskum47/ScrapeForge/store"
)

// Components selects what this replica runs.
type Components struct {
	API       bool
	Scheduler bool
	Consumer  bool
}

func AllComponents() Components {
	return Components{API: true, Scheduler: true, Consumer: true}
}

type Config struct {
	APIAddr    string
	Components Components

	Scrapers store.ScraperStorage
	Tasks    store.QueueStorage
	Leases   store.LeaseStorage
	Logs     store.LogStorage

	// Handlers are the scraper handlers registered on this deployment.
	// The dynamic handler is always available.
	Handlers    []scraper.Handler
	Middlewares []scraper.Middleware
	HTTPClient  *http.Client

	Consumer  queue.ConsumerConfig
	Scheduler scheduler.Config
}

type Server struct {
	cfg       Config
	queue     *queue.Queue
	registry  *scraper.Registry
	scheduler *scheduler.Scheduler
	consumer  *queue.Consumer
	api       *API
	hub       *LogHub
	handler   http.Handler
}

func New(cfg Config) *Server {
	if cfg.APIAddr == "" {
		cfg.APIAddr = ":8080"
	}
	if cfg.Scrapers == nil {
		cfg.Scrapers = store.NewMemoryScraperStorage(false)
	}
	if cfg.Tasks == nil {
		cfg.Tasks = store.NewMemoryQueueStorage()
	}
	if cfg.Leases == nil {
		cfg.Leases = store.NewMemoryLeaseStorage()
	}
	if cfg.Logs == nil {
		cfg.Logs = store.NewMemoryLogStorage()
	}
	if cfg.Middlewares == nil {
		cfg.Middlewares = middleware.DefaultChain()
	}

	handlers := cfg.Handlers
	hasDynamic := false
	for _, h := range handlers {
		if h.Name() == scraper.DynamicHandlerName {
			hasDynamic = true
		}
	}
	if !hasDynamic {
		handlers = append(handlers, scraper.NewDynamicHandler())
	}
	registry := scraper.NewRegistry(handlers...)
	runner := scraper.NewRunner(cfg.Scrapers, cfg.Middlewares, cfg.HTTPClient)

	q := queue.New(cfg.Tasks)
	var taskHandlers []queue.TaskHandler
	for _, h := range registry.All() {
		taskHandlers = append(taskHandlers, scraper.NewTaskHandler(h, runner, cfg.Scrapers))
	}
	taskHandlers = append(taskHandlers, scraper.NewEphemeralTaskHandler(registry, runner))

	s := &Server{
		cfg:       cfg,
		queue:     q,
		registry:  registry,
		scheduler: scheduler.New(cfg.Scrapers, cfg.Leases, q, cfg.Scheduler),
		consumer:  queue.NewConsumer(q, cfg.Logs, taskHandlers, cfg.Consumer),
		api:       NewAPI(cfg.Scrapers, q, cfg.Logs, registry),
		hub:       NewLogHub(cfg.Logs),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/jsonrpc", s.api)
	mux.HandleFunc("GET /api/v1/tasks/{id}/logs/ws", s.hub.ServeTaskLogs)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.handler = corsMiddleware(mux)
	return s
}

// Handler exposes the HTTP surface for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Queue exposes the task queue facade for embedding.
func (s *Server) Queue() *queue.Queue { return s.queue }

// Run starts the selected components and blocks until ctx is cancelled
// and everything has drained.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if s.cfg.Components.Scheduler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scheduler.Run(ctx)
		}()
	}
	if s.cfg.Components.Consumer {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consumer.Run(ctx)
		}()
	}

	var httpErr error
	if s.cfg.Components.API {
		httpServer := &http.Server{Addr: s.cfg.APIAddr, Handler: s.handler}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("Server: API listening on %s", s.cfg.APIAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr = err
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Server: shutdown: %v", err)
			}
		}()
	}

	wg.Wait()
	return httpErr
}
