// Package admission bounds concurrent verification attempts per identity.
// The bound is keyed by username, not IP: one user's devices contend with
// each other, never with unrelated traffic. Rejection here is a busy
// signal and carries no abuse-policy meaning.
package admission

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Controller enforces the per-identity concurrency cap.
type Controller struct {
	logger *zap.Logger
	max    int

	mu       sync.Mutex
	inFlight map[string]int

	acquired atomic.Uint64
	rejected atomic.Uint64
}

// NewController creates a controller allowing at most maxPerIdentity
// concurrent slots per key.
func NewController(maxPerIdentity int, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPerIdentity < 1 {
		maxPerIdentity = 1
	}
	return &Controller{
		logger:   logger.Named("admission"),
		max:      maxPerIdentity,
		inFlight: make(map[string]int),
	}
}

// TryAcquire claims a slot for key. Every true return must be paired with
// exactly one Release on every exit path; an unreleased slot starves the
// identity permanently.
func (c *Controller) TryAcquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[key] >= c.max {
		c.rejected.Add(1)
		return false
	}
	c.inFlight[key]++
	c.acquired.Add(1)
	return true
}

// Release returns a slot for key. Releasing a key with no held slot is an
// acquire/release pairing bug; it is logged and ignored so the count can
// never go negative.
func (c *Controller) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, ok := c.inFlight[key]
	if !ok {
		c.logger.Error("release without matching acquire", zap.String("key", key))
		return
	}
	if count <= 1 {
		delete(c.inFlight, key)
		return
	}
	c.inFlight[key] = count - 1
}

// InFlight reports the currently held slots for key.
func (c *Controller) InFlight(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[key]
}

// GetStats returns controller statistics.
func (c *Controller) GetStats() map[string]interface{} {
	c.mu.Lock()
	activeKeys := len(c.inFlight)
	c.mu.Unlock()

	return map[string]interface{}{
		"max_per_identity": c.max,
		"active_keys":      activeKeys,
		"acquired_total":   c.acquired.Load(),
		"rejected_total":   c.rejected.Load(),
	}
}
