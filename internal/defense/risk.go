package defense

import (
	"context"
	"time"
)

// Tier grades an IP's recent failure history.
type Tier int

const (
	TierLow Tier = iota
	TierElevated
	TierHigh
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierElevated:
		return "elevated"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskConfig holds the tier thresholds, in failures per window. The
// thresholds come from configuration; nothing in the tracker hard-codes
// a count.
type RiskConfig struct {
	Window   time.Duration
	Elevated int
	High     int
	Critical int
}

// RiskTracker counts credential failures per IP and per IP+username pair
// inside a sliding window.
type RiskTracker struct {
	store  CounterStore
	config RiskConfig
}

// NewRiskTracker creates a tracker over the shared counter store.
func NewRiskTracker(store CounterStore, config RiskConfig) *RiskTracker {
	return &RiskTracker{store: store, config: config}
}

func ipKey(ip string) string {
	return "ip:" + ip
}

func pairKey(ip, username string) string {
	return "pair:" + ip + "|" + username
}

// RecordFailure counts one credential failure against both scopes and
// returns the new per-IP count.
func (r *RiskTracker) RecordFailure(ctx context.Context, ip, username string) (int64, error) {
	count, err := r.store.Incr(ctx, ipKey(ip), r.config.Window)
	if err != nil {
		return 0, err
	}
	if username != "" {
		if _, err := r.store.Incr(ctx, pairKey(ip, username), r.config.Window); err != nil {
			return count, err
		}
	}
	return count, nil
}

// FailureCount returns the per-IP failure count in the current window.
func (r *RiskTracker) FailureCount(ctx context.Context, ip string) (int64, error) {
	return r.store.Get(ctx, ipKey(ip))
}

// PairCount returns the failure count for the IP+username pair.
func (r *RiskTracker) PairCount(ctx context.Context, ip, username string) (int64, error) {
	return r.store.Get(ctx, pairKey(ip, username))
}

// RiskLevel grades the IP against the configured thresholds.
func (r *RiskTracker) RiskLevel(ctx context.Context, ip string) (Tier, error) {
	count, err := r.FailureCount(ctx, ip)
	if err != nil {
		return TierLow, err
	}
	switch {
	case count >= int64(r.config.Critical):
		return TierCritical, nil
	case count >= int64(r.config.High):
		return TierHigh, nil
	case count >= int64(r.config.Elevated):
		return TierElevated, nil
	default:
		return TierLow, nil
	}
}

// Reset clears both scopes for the pair. Used by the reset-on-success
// policy only.
func (r *RiskTracker) Reset(ctx context.Context, ip, username string) error {
	return r.store.Reset(ctx, ipKey(ip), pairKey(ip, username))
}
