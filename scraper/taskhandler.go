package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/itskum47/ScrapeForge/store"
)

// TaskHandler adapts one scraper handler to the task queue: the consumer
// routes tasks by the handler name snapshotted at enqueue time.
type TaskHandler struct {
	handler  Handler
	runner   *Runner
	scrapers store.ScraperStorage
}

func NewTaskHandler(handler Handler, runner *Runner, scrapers store.ScraperStorage) *TaskHandler {
	return &TaskHandler{handler: handler, runner: runner, scrapers: scrapers}
}

func (h *TaskHandler) Name() string { return h.handler.Name() }

func (h *TaskHandler) Process(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
	sc, err := h.scrapers.GetScraper(ctx, task.ScraperID)
	if err != nil {
		return "", fmt.Errorf("load scraper %s: %w", task.ScraperID, err)
	}
	// Run with the config snapshotted onto the task, edits made after
	// enqueue apply to the next run.
	run := *sc
	run.Config = task.Config
	return h.runner.Run(ctx, h.handler, &run, logger)
}

// EphemeralHandlerName routes ad hoc runs that carry their whole
// definition in the task payload.
const EphemeralHandlerName = "ephemeral_scraper"

// EphemeralPayload is the task payload of an ephemeral run.
type EphemeralPayload struct {
	ScraperHandler string              `json:"scraper_handler"`
	ScraperConfig  store.ScraperConfig `json:"scraper_config"`
	ScraperState   string              `json:"scraper_state,omitempty"`
}

type EphemeralTaskHandler struct {
	registry *Registry
	runner   *Runner
}

func NewEphemeralTaskHandler(registry *Registry, runner *Runner) *EphemeralTaskHandler {
	return &EphemeralTaskHandler{registry: registry, runner: runner}
}

func (h *EphemeralTaskHandler) Name() string { return EphemeralHandlerName }

func (h *EphemeralTaskHandler) Process(ctx context.Context, task *store.Task, logger *log.Logger) (string, error) {
	var payload EphemeralPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return "", fmt.Errorf("decode ephemeral payload: %w", err)
	}
	handler, err := h.registry.Get(payload.ScraperHandler)
	if err != nil {
		return "", err
	}
	return h.runner.RunEphemeral(ctx, handler, payload.ScraperConfig, payload.ScraperState, logger)
}
