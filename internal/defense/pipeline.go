package defense

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config parameterizes the whole pipeline. Thresholds live here, not in
// the stage logic.
type Config struct {
	Window time.Duration `yaml:"window"`

	RiskElevated int `yaml:"risk_elevated"`
	RiskHigh     int `yaml:"risk_high"`
	RiskCritical int `yaml:"risk_critical"`

	CaptchaThreshold int    `yaml:"captcha_threshold"`
	CaptchaMode      string `yaml:"captcha_mode"`
	CaptchaVerifyURL string `yaml:"captcha_verify_url"`
	CaptchaSecret    string `yaml:"captcha_secret"`

	DelayFree   int           `yaml:"delay_free"`
	DelayBase   time.Duration `yaml:"delay_base"`
	DelayFactor float64       `yaml:"delay_factor"`
	DelayMax    time.Duration `yaml:"delay_max"`

	AutoLock      bool `yaml:"auto_lock"`
	LockThreshold int  `yaml:"lock_threshold"`

	// FailMode decides what a store error means: "secure" treats the
	// stage as blocking, "open" waves the attempt through.
	FailMode string `yaml:"fail_mode"`
}

// Pipeline composes the defense stages over one shared counter store.
// The login orchestrator drives the stages in its fixed order; the
// pipeline itself imposes none.
type Pipeline struct {
	logger *zap.Logger
	config Config

	store   CounterStore
	risk    *RiskTracker
	captcha *CaptchaGate // nil when captcha_mode is "off"
	delay   *DelayPolicy

	failSecure bool
	degraded   atomic.Uint64
}

// NewPipeline wires the stages.
func NewPipeline(store CounterStore, config Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("defense")

	risk := NewRiskTracker(store, RiskConfig{
		Window:   config.Window,
		Elevated: config.RiskElevated,
		High:     config.RiskHigh,
		Critical: config.RiskCritical,
	})
	delay := NewDelayPolicy(store, DelayConfig{
		Free:   config.DelayFree,
		Base:   config.DelayBase,
		Factor: config.DelayFactor,
		Max:    config.DelayMax,
	})

	var captcha *CaptchaGate
	switch config.CaptchaMode {
	case "http":
		captcha = NewCaptchaGate(store, NewHTTPVerifier(config.CaptchaVerifyURL, config.CaptchaSecret, 5*time.Second), config.CaptchaThreshold, logger)
	case "static":
		captcha = NewCaptchaGate(store, &StaticVerifier{Secret: config.CaptchaSecret}, config.CaptchaThreshold, logger)
	}

	return &Pipeline{
		logger:     logger,
		config:     config,
		store:      store,
		risk:       risk,
		captcha:    captcha,
		delay:      delay,
		failSecure: config.FailMode != "open",
	}
}

// failClosed translates a store error into a stage verdict per the
// configured fail mode and reports true when the stage must block.
func (p *Pipeline) failClosed(stage string, err error) bool {
	p.degraded.Add(1)
	p.logger.Error("defense store unavailable",
		zap.String("stage", stage),
		zap.Bool("fail_secure", p.failSecure),
		zap.Error(err),
	)
	return p.failSecure
}

// CaptchaRequired reports whether the IP must present a token before any
// verification work is considered.
func (p *Pipeline) CaptchaRequired(ctx context.Context, ip string) bool {
	if p.captcha == nil {
		return false
	}
	required, err := p.captcha.Required(ctx, ip)
	if err != nil {
		return p.failClosed("captcha_required", err)
	}
	return required
}

// VerifyCaptcha checks the presented token under the fail-mode policy.
func (p *Pipeline) VerifyCaptcha(ctx context.Context, token, ip string) bool {
	if p.captcha == nil {
		return true
	}
	ok, err := p.captcha.Verify(ctx, token, ip)
	if err != nil {
		return !p.failClosed("captcha_verify", err)
	}
	return ok
}

// AttemptAllowed applies the progressive delay gate. A false return
// carries the remaining wait as a retry-after hint.
func (p *Pipeline) AttemptAllowed(ctx context.Context, ip string) (bool, time.Duration) {
	allowed, wait, err := p.delay.Allow(ctx, ip)
	if err != nil {
		if p.failClosed("delay", err) {
			return false, p.config.DelayBase
		}
		return true, 0
	}
	return allowed, wait
}

// RecordFailure counts one credential failure for the (ip, username)
// scope, arms the delay gate, and reports whether the per-pair failure
// count has crossed the auto-lock threshold.
func (p *Pipeline) RecordFailure(ctx context.Context, ip, username string) bool {
	count, err := p.risk.RecordFailure(ctx, ip, username)
	if err != nil {
		p.failClosed("record_failure", err)
		return false
	}
	if err := p.delay.Arm(ctx, ip, count); err != nil {
		p.failClosed("delay_arm", err)
	}

	if !p.config.AutoLock || username == "" {
		return false
	}
	pairCount, err := p.risk.PairCount(ctx, ip, username)
	if err != nil {
		p.failClosed("lock_check", err)
		return false
	}
	return pairCount >= int64(p.config.LockThreshold)
}

// ResetOnSuccess clears the failure counters, the captcha requirement
// and the delay state for the (ip, username) scope. Account locks are
// out of reach here; only an operator clears those.
func (p *Pipeline) ResetOnSuccess(ctx context.Context, ip, username string) {
	if err := p.risk.Reset(ctx, ip, username); err != nil {
		p.failClosed("reset", err)
		return
	}
	if err := p.store.Reset(ctx, delayKey(ip)); err != nil {
		p.failClosed("reset_delay", err)
	}
}

// RiskLevel grades the IP for logging and audit detail. Grading is
// informational, so a store error degrades to TierLow rather than
// blocking.
func (p *Pipeline) RiskLevel(ctx context.Context, ip string) Tier {
	tier, err := p.risk.RiskLevel(ctx, ip)
	if err != nil {
		p.degraded.Add(1)
		p.logger.Warn("risk level unavailable", zap.String("ip", ip), zap.Error(err))
		return TierLow
	}
	return tier
}

// FailureCount exposes the per-IP count for status reporting.
func (p *Pipeline) FailureCount(ctx context.Context, ip string) int64 {
	count, err := p.risk.FailureCount(ctx, ip)
	if err != nil {
		return 0
	}
	return count
}

// GetStats returns pipeline statistics.
func (p *Pipeline) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"fail_mode":         p.config.FailMode,
		"captcha_mode":      p.config.CaptchaMode,
		"captcha_threshold": p.config.CaptchaThreshold,
		"window":            p.config.Window.String(),
		"degraded_total":    p.degraded.Load(),
	}
}
