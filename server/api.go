package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ScrapeForge/queue"
	"github.com/itskum47/ScrapeForge/scheduler"
	"github.com/itskum47/ScrapeForge/scraper"
	"github.com/itskum47/ScrapeForge/store"
)

// JSON-RPC error codes. Negative codes are the JSON-RPC 2.0 protocol set,
// positive ones are application errors.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeScraperNotFound = 5000
	codeTaskNotFound    = 5001
	codeReadOnly        = 5002
	codeValidation      = 6000
	codeHasActiveRun    = 10000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// API is the JSON-RPC 2.0 control surface at /api/v1/jsonrpc.
type API struct {
	scrapers store.ScraperStorage
	queue    *queue.Queue
	logs     store.LogStorage
	registry *scraper.Registry
}

func NewAPI(scrapers store.ScraperStorage, q *queue.Queue, logs store.LogStorage, registry *scraper.Registry) *API {
	return &API{scrapers: scrapers, queue: q, logs: logs, registry: registry}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	resp := rpcResponse{JSONRPC: "2.0"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = &rpcError{Code: codeParse, Message: "parse error: " + err.Error()}
	} else {
		resp.ID = req.ID
		if req.JSONRPC != "2.0" || req.Method == "" {
			resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
		} else {
			resp.Result, resp.Error = a.dispatch(r.Context(), req.Method, req.Params)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("API: failed to encode response: %v", err)
	}
}

func (a *API) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "get_scrapers":
		return a.getScrapers(ctx)
	case "get_scraper":
		return a.getScraper(ctx, params)
	case "create_scraper":
		return a.createScraper(ctx, params)
	case "update_scraper":
		return a.updateScraper(ctx, params)
	case "delete_scraper":
		return a.deleteScraper(ctx, params)
	case "search_scrapers":
		return a.searchScrapers(ctx, params)
	case "is_read_only":
		return a.scrapers.IsReadOnly(), nil
	case "get_scraper_handlers":
		return a.registry.Names(), nil
	case "get_schedules":
		return store.Schedules(), nil
	case "get_priorities":
		return priorityNames(), nil
	case "enqueue_scraper":
		return a.enqueueScraper(ctx, params)
	case "get_task_instances":
		return a.getTaskInstances(ctx, params)
	case "get_task_instance":
		return a.getTaskInstance(ctx, params)
	case "get_task_logs":
		return a.getTaskLogs(ctx, params)
	case "run_ephemeral":
		return a.runEphemeral(ctx, params)
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + method}
}

func priorityNames() []string {
	priorities := store.Priorities()
	out := make([]string, len(priorities))
	for i, p := range priorities {
		out[i] = p.String()
	}
	return out
}

func decodeParams[T any](params json.RawMessage) (T, *rpcError) {
	var out T
	if len(params) == 0 {
		return out, &rpcError{Code: codeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, &out); err != nil {
		return out, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return out, nil
}

// storageError maps storage sentinel errors onto the API error codes.
func storageError(err error) *rpcError {
	switch {
	case errors.Is(err, store.ErrScraperNotFound):
		return &rpcError{Code: codeScraperNotFound, Message: "scraper not found"}
	case errors.Is(err, store.ErrTaskNotFound):
		return &rpcError{Code: codeTaskNotFound, Message: "task not found"}
	case errors.Is(err, store.ErrStorageReadOnly):
		return &rpcError{Code: codeReadOnly, Message: "storage is read-only"}
	case errors.Is(err, store.ErrTaskHasActiveRun):
		return &rpcError{Code: codeHasActiveRun, Message: "scraper already has an active run"}
	}
	log.Printf("API: internal error: %v", err)
	return &rpcError{Code: codeInternal, Message: "internal error"}
}

func (a *API) getScrapers(ctx context.Context) (any, *rpcError) {
	scrapers, err := a.scrapers.GetScrapers(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return scrapers, nil
}

type scraperIDParams struct {
	ID string `json:"id"`
}

func (a *API) getScraper(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[scraperIDParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sc, err := a.scrapers.GetScraper(ctx, p.ID)
	if err != nil {
		return nil, storageError(err)
	}
	return sc, nil
}

type scraperParams struct {
	Scraper store.Scraper `json:"scraper"`
}

func (a *API) validateScraper(sc *store.Scraper) *rpcError {
	invalid := func(msg string) *rpcError {
		return &rpcError{Code: codeValidation, Message: msg}
	}
	if sc.Name == "" {
		return invalid("scraper name is required")
	}
	if !a.registry.Has(sc.Handler) {
		return invalid("unknown scraper handler: " + sc.Handler)
	}
	if !store.ValidSchedule(sc.Schedule) {
		return invalid("unknown schedule: " + string(sc.Schedule))
	}
	if sc.Schedule == store.ScheduleCrontab {
		if err := scheduler.ValidateCrontab(sc.ScheduleCrontab); err != nil {
			return invalid("invalid crontab: " + err.Error())
		}
	}
	switch sc.Priority {
	case store.PriorityUtmost, store.PriorityHigh, store.PriorityNormal:
	default:
		return invalid("unknown priority")
	}
	return nil
}

func (a *API) createScraper(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[scraperParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.Scraper.ID == "" {
		p.Scraper.ID = uuid.NewString()
	}
	if p.Scraper.Schedule == "" {
		p.Scraper.Schedule = store.ScheduleInactive
	}
	if rpcErr := a.validateScraper(&p.Scraper); rpcErr != nil {
		return nil, rpcErr
	}
	sc, err := a.scrapers.CreateScraper(ctx, &p.Scraper)
	if err != nil {
		return nil, storageError(err)
	}
	return sc, nil
}

func (a *API) updateScraper(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[scraperParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := a.validateScraper(&p.Scraper); rpcErr != nil {
		return nil, rpcErr
	}
	sc, err := a.scrapers.UpdateScraper(ctx, &p.Scraper)
	if err != nil {
		return nil, storageError(err)
	}
	return sc, nil
}

func (a *API) deleteScraper(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[scraperIDParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sc, err := a.scrapers.DeleteScraper(ctx, p.ID)
	if err != nil {
		return nil, storageError(err)
	}
	return sc, nil
}

type searchParams struct {
	NameFilter string `json:"name_filter"`
	MaxItems   int    `json:"max_items"`
	LastID     string `json:"last_id"`
}

func (a *API) searchScrapers(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[searchParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.MaxItems <= 0 {
		p.MaxItems = 50
	}
	scrapers, err := a.scrapers.SearchScrapers(ctx, p.NameFilter, p.MaxItems, p.LastID)
	if err != nil {
		return nil, storageError(err)
	}
	return scrapers, nil
}

type enqueueParams struct {
	ScraperID string `json:"scraper_id"`
	// Priority optionally overrides the scraper's own priority.
	Priority *store.TaskPriority `json:"priority,omitempty"`
}

func (a *API) enqueueScraper(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[enqueueParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sc, err := a.scrapers.GetScraper(ctx, p.ScraperID)
	if err != nil {
		return nil, storageError(err)
	}
	priority := sc.Priority
	if p.Priority != nil {
		priority = *p.Priority
	}
	task, err := a.queue.Enqueue(ctx, queue.EnqueueRequest{
		ScraperID: sc.ID,
		Handler:   sc.Handler,
		Config:    sc.Config,
		Priority:  priority,
		Timeout:   sc.Timeout,
	})
	if err != nil {
		return nil, storageError(err)
	}
	return task, nil
}

func timeoutSeconds(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

type taskInstancesParams struct {
	ScraperID string `json:"scraper_id"`
}

func (a *API) getTaskInstances(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[taskInstancesParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	tasks, err := a.queue.GetTaskInstances(ctx, p.ScraperID)
	if err != nil {
		return nil, storageError(err)
	}
	return tasks, nil
}

type taskIDParams struct {
	TaskID string `json:"task_id"`
}

func (a *API) getTaskInstance(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[taskIDParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	task, err := a.queue.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, storageError(err)
	}
	return task, nil
}

type taskLogsParams struct {
	TaskID   string `json:"task_id"`
	AfterID  int64  `json:"after_id"`
	MaxLines int    `json:"max_lines"`
}

func (a *API) getTaskLogs(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[taskLogsParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.MaxLines <= 0 {
		p.MaxLines = 100
	}
	lines, err := a.logs.ReadLogs(ctx, p.TaskID, p.AfterID, p.MaxLines)
	if err != nil {
		return nil, storageError(err)
	}
	return lines, nil
}

type runEphemeralParams struct {
	ScraperHandler string              `json:"scraper_handler"`
	ScraperConfig  store.ScraperConfig `json:"scraper_config"`
	ScraperState   string              `json:"scraper_state"`
	Priority       store.TaskPriority  `json:"priority"`
	Timeout        int64               `json:"timeout_seconds"`
}

func (a *API) runEphemeral(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, rpcErr := decodeParams[runEphemeralParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !a.registry.Has(p.ScraperHandler) {
		return nil, &rpcError{Code: codeValidation, Message: "unknown scraper handler: " + p.ScraperHandler}
	}
	payload, err := json.Marshal(scraper.EphemeralPayload{
		ScraperHandler: p.ScraperHandler,
		ScraperConfig:  p.ScraperConfig,
		ScraperState:   p.ScraperState,
	})
	if err != nil {
		return nil, &rpcError{Code: codeInternal, Message: "encode payload: " + err.Error()}
	}
	task, err := a.queue.Enqueue(ctx, queue.EnqueueRequest{
		ScraperID: store.EphemeralScraperID,
		Handler:   scraper.EphemeralHandlerName,
		Priority:  p.Priority,
		Payload:   string(payload),
		Timeout:   timeoutSeconds(p.Timeout),
	})
	if err != nil {
		return nil, storageError(err)
	}
	return task, nil
}
