package defense

import (
	"context"
	"math"
	"time"
)

// DelayConfig describes the progressive delay curve: the first Free
// failures cost nothing, then Base grows by Factor per failure up to Max.
type DelayConfig struct {
	Free   int
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DelayPolicy enforces a minimum spacing between attempts from an IP that
// keeps failing. Enforcement rejects early arrivals with a retry-after
// hint; nothing on the request path ever sleeps.
type DelayPolicy struct {
	store  CounterStore
	config DelayConfig
	now    func() time.Time
}

// NewDelayPolicy creates the policy over the shared counter store.
func NewDelayPolicy(store CounterStore, config DelayConfig) *DelayPolicy {
	if config.Factor < 1 {
		config.Factor = 1
	}
	return &DelayPolicy{store: store, config: config, now: time.Now}
}

func delayKey(ip string) string {
	return "delay:" + ip
}

// delayFor computes the delay owed after the given failure count.
func (d *DelayPolicy) delayFor(failures int64) time.Duration {
	excess := failures - int64(d.config.Free)
	if excess <= 0 || d.config.Base <= 0 {
		return 0
	}
	delay := float64(d.config.Base) * math.Pow(d.config.Factor, float64(excess-1))
	if delay >= float64(d.config.Max) || math.IsInf(delay, 1) {
		return d.config.Max
	}
	return time.Duration(delay)
}

// Arm records that a failure just happened at the given cumulative count,
// pushing out the moment before which the next attempt is rejected.
func (d *DelayPolicy) Arm(ctx context.Context, ip string, failures int64) error {
	wait := d.delayFor(failures)
	if wait <= 0 {
		return nil
	}
	notBefore := d.now().Add(wait)
	return d.store.SetNotBefore(ctx, delayKey(ip), notBefore, wait+time.Second)
}

// Allow reports whether an attempt from ip may proceed now. When it may
// not, the second return value is the remaining wait.
func (d *DelayPolicy) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	notBefore, err := d.store.GetNotBefore(ctx, delayKey(ip))
	if err != nil {
		return false, 0, err
	}
	now := d.now()
	if notBefore.After(now) {
		return false, notBefore.Sub(now), nil
	}
	return true, 0, nil
}

// RequiredDelay reports the spacing currently owed by ip, derived from
// its failure count.
func (d *DelayPolicy) RequiredDelay(ctx context.Context, ip string) (time.Duration, error) {
	count, err := d.store.Get(ctx, ipKey(ip))
	if err != nil {
		return 0, err
	}
	return d.delayFor(count), nil
}
