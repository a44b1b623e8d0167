package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/ScrapeForge/observability"
	"github.com/itskum47/ScrapeForge/store"
)

const maxLogStreamClients = 200

// LogHub streams task log lines to websocket clients. Each client follows
// one task; new lines are polled from LogStorage and pushed in order.
type LogHub struct {
	logs         store.LogStorage
	upgrader     websocket.Upgrader
	pollInterval time.Duration

	mu      sync.Mutex
	clients int
}

func NewLogHub(logs store.LogStorage) *LogHub {
	return &LogHub{
		logs: logs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pollInterval: time.Second,
	}
}

func (h *LogHub) ServeTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		http.Error(w, "task id is required", http.StatusBadRequest)
		return
	}
	if !h.admit() {
		http.Error(w, "too many log stream clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release()
		log.Printf("LogHub: upgrade failed: %v", err)
		return
	}
	go h.stream(conn, taskID)
}

func (h *LogHub) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients >= maxLogStreamClients {
		return false
	}
	h.clients++
	observability.LogStreamClients.Set(float64(h.clients))
	return true
}

func (h *LogHub) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients--
	observability.LogStreamClients.Set(float64(h.clients))
}

func (h *LogHub) stream(conn *websocket.Conn, taskID string) {
	defer h.release()
	defer conn.Close()

	// The read pump only detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	var lastID int64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.pollInterval)
			lines, err := h.logs.ReadLogs(ctx, taskID, lastID, 100)
			cancel()
			if err != nil {
				log.Printf("LogHub: read logs for %s failed: %v", taskID, err)
				continue
			}
			for _, line := range lines {
				if err := conn.WriteJSON(line); err != nil {
					return
				}
				lastID = line.ID
			}
		}
	}
}
