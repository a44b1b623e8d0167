package queue

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/itskum47/ScrapeForge/store"
)

// logSink adapts LogStorage to io.Writer so handlers can use a plain
// *log.Logger. Append failures are reported on the process logger and
// never fail the task.
type logSink struct {
	ctx    context.Context
	logs   store.LogStorage
	taskID string
}

func (w *logSink) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	_, err := w.logs.AppendLog(w.ctx, store.LogLine{
		TaskID:    w.taskID,
		Level:     "info",
		Timestamp: time.Now().UTC(),
		Message:   msg,
	})
	if err != nil {
		log.Printf("Queue: failed to append log for task %s: %v", w.taskID, err)
	}
	return len(p), nil
}

// NewTaskLogger returns a logger whose output lands in LogStorage under
// the task's ID.
func NewTaskLogger(ctx context.Context, logs store.LogStorage, taskID string) *log.Logger {
	if logs == nil {
		return log.Default()
	}
	return log.New(&logSink{ctx: ctx, logs: logs, taskID: taskID}, "", 0)
}
