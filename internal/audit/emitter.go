package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Emitter is the write side of the trail. Emit blocks until the sink has
// taken the event, which is what lets callers order the trail ahead of
// their response. A sink failure is logged and counted, never propagated:
// the trail must not be able to fail a login.
type Emitter struct {
	logger  *zap.Logger
	sink    Sink
	timeout time.Duration

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewEmitter wraps a sink. writeTimeout bounds each write so a hung sink
// cannot stall the request path indefinitely.
func NewEmitter(sink Sink, writeTimeout time.Duration, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &Emitter{
		logger:  logger.Named("audit"),
		sink:    sink,
		timeout: writeTimeout,
	}
}

// Emit records one event, filling in the ID and timestamp when unset.
// The write deliberately runs on its own context: a client that drops the
// connection mid-request must not suppress the record.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	wctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.sink.Write(wctx, event); err != nil {
		e.dropped.Add(1)
		e.logger.Error("audit write failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("username", event.Username),
			zap.Error(err),
		)
		return
	}
	e.emitted.Add(1)
}

// GetStats returns emitter statistics.
func (e *Emitter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"emitted_total": e.emitted.Load(),
		"dropped_total": e.dropped.Load(),
	}
}

// Close releases the sink.
func (e *Emitter) Close() error {
	return e.sink.Close()
}
