package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/itskum47/ScrapeForge/queue"
	"github.com/itskum47/ScrapeForge/server"
	"github.com/itskum47/ScrapeForge/store"
)

func main() {
	cfg := server.Config{Components: componentsFromEnv()}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.APIAddr = addr
	}

	// Shared backends are required for multi-replica deployments. Without
	// REDIS_ADDR everything runs in memory, which is single-node only.
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rs, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		log.Printf("Connected to Redis at %s", redisAddr)
		cfg.Scrapers = rs
		cfg.Tasks = rs
		cfg.Leases = rs
		cfg.Logs = rs
	} else {
		log.Printf("REDIS_ADDR not set, using in-memory storage (single node only)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres, when configured, takes over the scraper catalog. The queue,
	// leases and logs stay on Redis.
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		readOnly := os.Getenv("SCRAPERS_READ_ONLY") == "true"
		pg, err := store.NewPostgresScraperStorage(ctx, dsn, readOnly)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		log.Printf("Using Postgres for the scraper catalog (read_only=%v)", readOnly)
		cfg.Scrapers = pg
	}

	if workers := os.Getenv("WORKER_CONCURRENCY"); workers != "" {
		var n int
		fmt.Sscanf(workers, "%d", &n)
		if n > 0 {
			cfg.Consumer = queue.ConsumerConfig{Concurrency: n}
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	s := server.New(cfg)
	log.Printf("ScrapeForge starting (api=%v scheduler=%v consumer=%v)",
		cfg.Components.API, cfg.Components.Scheduler, cfg.Components.Consumer)
	if err := s.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("ScrapeForge stopped.")
}

// componentsFromEnv selects the replica role. COMPONENTS takes a comma
// separated list of api, scheduler and consumer; unset runs everything.
func componentsFromEnv() server.Components {
	raw := os.Getenv("COMPONENTS")
	if raw == "" {
		return server.AllComponents()
	}
	var c server.Components
	for _, name := range strings.Split(raw, ",") {
		switch strings.TrimSpace(name) {
		case "api":
			c.API = true
		case "scheduler":
			c.Scheduler = true
		case "consumer":
			c.Consumer = true
		default:
			log.Fatalf("Unknown component %q in COMPONENTS", name)
		}
	}
	return c
}
