// Package login drives one credential-proof attempt through the fixed
// policy order: admission, account lock, captcha, progressive delay, then
// proof verification on the worker pool. The flow is a small state machine
// so that every exit path releases its admission slot and lands exactly one
// audit event before the response leaves.
package login

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/admission"
	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/credential"
	"github.com/torii-auth/torii/internal/defense"
	"github.com/torii-auth/torii/internal/identity"
	"github.com/torii-auth/torii/internal/proof"
	"github.com/torii-auth/torii/internal/token"
	"github.com/torii-auth/torii/internal/workerpool"
)

// Outcome is the terminal result of an attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeCredentialFailure Outcome = "credential_failure"
	OutcomeLocked            Outcome = "locked"
	OutcomeCaptchaRequired   Outcome = "captcha_required"
	OutcomeBusy              Outcome = "busy"
	OutcomeInternalError     Outcome = "internal_error"
)

// State identifies where in the flow an attempt currently is.
type State int

const (
	StateStart State = iota
	StateAdmission
	StateLockCheck
	StateCaptchaCheck
	StateVerifying
	StateDeciding
	StateResponding
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAdmission:
		return "admission"
	case StateLockCheck:
		return "lock_check"
	case StateCaptchaCheck:
		return "captcha_check"
	case StateVerifying:
		return "verifying"
	case StateDeciding:
		return "deciding"
	case StateResponding:
		return "responding"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Request is one login attempt. The API layer has already rejected
// requests with missing fields; everything here is present but untrusted.
type Request struct {
	Username     string
	Proof        *proof.Proof
	Signals      proof.PublicSignals
	CaptchaToken string
	IP           string
	UserAgent    string
}

// Response is the decision handed back to the transport layer.
type Response struct {
	Outcome    Outcome
	Token      string
	RetryAfter time.Duration

	// RequireCaptcha tells the client its next attempt must carry a
	// token. Set on captcha rejections and on failures that crossed the
	// threshold.
	RequireCaptcha bool

	// Reason is the internal classification for logs and the audit
	// trail. It never reaches clients; credential rejections all read
	// the same from the outside.
	Reason string
}

// Recorder receives login measurements. *metrics.Exporter implements it;
// a nil Recorder drops them.
type Recorder interface {
	RecordLoginOutcome(outcome string)
	RecordVerification(d time.Duration)
	RecordLockout()
}

// Config holds orchestrator settings.
type Config struct {
	// WaitTimeout bounds how long a request waits for its verification
	// task, queue time included. Expiry is an internal error, not a
	// verdict.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// Deps are the collaborators a Flow drives. All but Metrics are required.
type Deps struct {
	Identities identity.Store
	Verifier   proof.Verifier
	Pool       *workerpool.Pool
	Admission  *admission.Controller
	Defense    *defense.Pipeline
	Audit      *audit.Emitter
	Tokens     token.Issuer
	Metrics    Recorder
}

// Flow is the login orchestrator. One Flow serves all requests.
type Flow struct {
	logger *zap.Logger
	config Config

	identities identity.Store
	verifier   proof.Verifier
	pool       *workerpool.Pool
	admission  *admission.Controller
	defense    *defense.Pipeline
	audit      *audit.Emitter
	tokens     token.Issuer
	metrics    Recorder

	// decoy is a commitment no enrolled identity can match. Unknown
	// usernames are verified against it so the work done, and with it the
	// response timing, does not reveal whether a name exists.
	decoy string

	now func() time.Time

	stats struct {
		success           atomic.Uint64
		credentialFailure atomic.Uint64
		locked            atomic.Uint64
		captchaRequired   atomic.Uint64
		busy              atomic.Uint64
		internalError     atomic.Uint64
	}
}

// attempt carries the per-request state through the machine.
type attempt struct {
	req     Request
	resp    Response
	state   State
	record  *identity.Record
	unknown bool

	started  time.Time
	verified time.Duration
}

func (a *attempt) conclude(outcome Outcome, reason string) {
	a.resp.Outcome = outcome
	a.resp.Reason = reason
}

// NewFlow wires the orchestrator and seeds its decoy credential.
func NewFlow(deps Deps, config Config, logger *zap.Logger) (*Flow, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Identities == nil || deps.Verifier == nil || deps.Pool == nil ||
		deps.Admission == nil || deps.Defense == nil || deps.Audit == nil || deps.Tokens == nil {
		return nil, errors.New("login flow requires all collaborators except metrics")
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 10 * time.Second
	}

	salt, err := credential.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to seed decoy credential: %w", err)
	}
	decoy, err := credential.DeriveCommitment("torii-decoy", uuid.NewString(), salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decoy commitment: %w", err)
	}

	return &Flow{
		logger:     logger.Named("login"),
		config:     config,
		identities: deps.Identities,
		verifier:   deps.Verifier,
		pool:       deps.Pool,
		admission:  deps.Admission,
		defense:    deps.Defense,
		audit:      deps.Audit,
		tokens:     deps.Tokens,
		metrics:    deps.Metrics,
		decoy:      decoy,
		now:        time.Now,
	}, nil
}

// Run takes an attempt to its terminal outcome. Busy and CaptchaRequired
// terminate before any worker-pool submission; the admission slot is held
// from acquisition to return on every path.
func (f *Flow) Run(ctx context.Context, req Request) Response {
	a := &attempt{req: req, started: f.now()}

	f.transition(a, StateAdmission)
	if !f.admission.TryAcquire(req.Username) {
		a.conclude(OutcomeBusy, "admission_cap")
		return f.respond(ctx, a)
	}
	defer f.admission.Release(req.Username)

	f.transition(a, StateLockCheck)
	record, err := f.identities.Get(ctx, req.Username)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		a.unknown = true
	case err != nil:
		f.logger.Error("identity lookup failed",
			zap.String("username", req.Username),
			zap.Error(err),
		)
		a.conclude(OutcomeInternalError, "identity_store_error")
		return f.respond(ctx, a)
	case record.Locked:
		a.conclude(OutcomeLocked, "account_locked")
		return f.respond(ctx, a)
	default:
		a.record = record
	}

	f.transition(a, StateCaptchaCheck)
	if f.defense.CaptchaRequired(ctx, req.IP) {
		if !f.defense.VerifyCaptcha(ctx, req.CaptchaToken, req.IP) {
			reason := "captcha_rejected"
			if req.CaptchaToken == "" {
				reason = "captcha_missing"
			}
			a.conclude(OutcomeCaptchaRequired, reason)
			a.resp.RequireCaptcha = true
			return f.respond(ctx, a)
		}
	}
	if allowed, wait := f.defense.AttemptAllowed(ctx, req.IP); !allowed {
		a.conclude(OutcomeBusy, "delay_active")
		a.resp.RetryAfter = wait
		return f.respond(ctx, a)
	}

	f.transition(a, StateVerifying)
	commitment := f.decoy
	if a.record != nil {
		commitment = a.record.Commitment
	}
	future, err := f.pool.Submit(func(taskCtx context.Context) (interface{}, error) {
		return nil, f.verifier.Verify(taskCtx, req.Proof, req.Signals, commitment)
	})
	if err != nil {
		if errors.Is(err, workerpool.ErrPoolSaturated) {
			a.conclude(OutcomeBusy, "pool_saturated")
		} else {
			f.logger.Error("verification submit failed", zap.Error(err))
			a.conclude(OutcomeInternalError, "pool_unavailable")
		}
		return f.respond(ctx, a)
	}

	wctx, cancel := context.WithTimeout(ctx, f.config.WaitTimeout)
	defer cancel()
	result, err := future.Wait(wctx)
	if err != nil {
		a.conclude(OutcomeInternalError, "verification_wait_expired")
		return f.respond(ctx, a)
	}
	a.verified = result.Duration

	f.transition(a, StateDeciding)
	f.decide(ctx, a, result.Err)
	return f.respond(ctx, a)
}

// decide maps a verification result onto an outcome.
func (f *Flow) decide(ctx context.Context, a *attempt, verifyErr error) {
	if a.unknown {
		// The decoy result is discarded: an unknown name answers exactly
		// like a wrong credential.
		a.conclude(OutcomeCredentialFailure, "unknown_identity")
		return
	}
	if verifyErr == nil {
		f.succeed(ctx, a)
		return
	}
	if ve, ok := proof.AsVerifyError(verifyErr); ok {
		a.conclude(OutcomeCredentialFailure, string(ve.Reason))
		return
	}
	if errors.Is(verifyErr, workerpool.ErrTaskTimeout) {
		f.logger.Warn("verification timed out", zap.String("username", a.req.Username))
		a.conclude(OutcomeInternalError, "verification_timeout")
		return
	}
	f.logger.Error("verification failed",
		zap.String("username", a.req.Username),
		zap.Error(verifyErr),
	)
	a.conclude(OutcomeInternalError, "verification_error")
}

func (f *Flow) succeed(ctx context.Context, a *attempt) {
	signed, err := f.tokens.Issue(a.record.ID, a.record.Username, a.record.Role)
	if err != nil {
		f.logger.Error("token issuance failed",
			zap.String("username", a.req.Username),
			zap.Error(err),
		)
		a.conclude(OutcomeInternalError, "token_issuance_failed")
		return
	}
	a.record.LastLogin = f.now().UTC()
	if err := f.identities.Set(ctx, a.record); err != nil {
		// Bookkeeping only; the credential already verified.
		f.logger.Warn("last-login update failed",
			zap.String("username", a.req.Username),
			zap.Error(err),
		)
	}
	a.resp.Token = signed
	a.conclude(OutcomeSuccess, "")
}

// respond applies the defense bookkeeping for the outcome, emits the audit
// event and closes the machine. Busy, Locked and CaptchaRequired touch no
// counters: none of them says anything about the credential.
func (f *Flow) respond(ctx context.Context, a *attempt) Response {
	f.transition(a, StateResponding)

	switch a.resp.Outcome {
	case OutcomeSuccess:
		f.defense.ResetOnSuccess(ctx, a.req.IP, a.req.Username)
	case OutcomeCredentialFailure, OutcomeInternalError:
		if f.defense.RecordFailure(ctx, a.req.IP, a.req.Username) {
			f.applyLock(ctx, a)
		}
		if !a.resp.RequireCaptcha {
			a.resp.RequireCaptcha = f.defense.CaptchaRequired(ctx, a.req.IP)
		}
	}

	f.count(a.resp.Outcome)
	if f.metrics != nil {
		f.metrics.RecordLoginOutcome(string(a.resp.Outcome))
		if a.verified > 0 {
			f.metrics.RecordVerification(a.verified)
		}
	}

	elapsed := f.now().Sub(a.started)
	f.audit.Emit(ctx, audit.Event{
		Type:      audit.TypeLogin,
		Username:  a.req.Username,
		IP:        a.req.IP,
		UserAgent: a.req.UserAgent,
		Outcome:   string(a.resp.Outcome),
		Reason:    a.resp.Reason,
		RiskTier:  f.defense.RiskLevel(ctx, a.req.IP).String(),
		Detail:    map[string]interface{}{"elapsed_ms": elapsed.Milliseconds()},
	})

	f.transition(a, StateDone)
	f.logger.Debug("login attempt finished",
		zap.String("username", a.req.Username),
		zap.String("ip", a.req.IP),
		zap.String("outcome", string(a.resp.Outcome)),
		zap.String("reason", a.resp.Reason),
		zap.Duration("elapsed", elapsed),
	)
	return a.resp
}

// applyLock sets the account lock once the per-pair failure threshold is
// crossed. The lock survives later successes; only an operator clears it.
func (f *Flow) applyLock(ctx context.Context, a *attempt) {
	if a.record == nil || a.record.Locked {
		return
	}
	a.record.Locked = true
	if err := f.identities.Set(ctx, a.record); err != nil {
		f.logger.Error("failed to persist account lock",
			zap.String("username", a.record.Username),
			zap.Error(err),
		)
		return
	}
	f.logger.Warn("account locked after repeated failures",
		zap.String("username", a.record.Username),
		zap.String("ip", a.req.IP),
	)
	if f.metrics != nil {
		f.metrics.RecordLockout()
	}
	f.audit.Emit(ctx, audit.Event{
		Type:     audit.TypeLocked,
		Username: a.record.Username,
		IP:       a.req.IP,
		Outcome:  string(OutcomeLocked),
		Reason:   "failure_threshold",
	})
}

func (f *Flow) transition(a *attempt, next State) {
	f.logger.Debug("login state transition",
		zap.String("username", a.req.Username),
		zap.Stringer("from", a.state),
		zap.Stringer("to", next),
	)
	a.state = next
}

func (f *Flow) count(outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		f.stats.success.Add(1)
	case OutcomeCredentialFailure:
		f.stats.credentialFailure.Add(1)
	case OutcomeLocked:
		f.stats.locked.Add(1)
	case OutcomeCaptchaRequired:
		f.stats.captchaRequired.Add(1)
	case OutcomeBusy:
		f.stats.busy.Add(1)
	case OutcomeInternalError:
		f.stats.internalError.Add(1)
	}
}

// GetStats returns outcome totals.
func (f *Flow) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"success_total":            f.stats.success.Load(),
		"credential_failure_total": f.stats.credentialFailure.Load(),
		"locked_total":             f.stats.locked.Load(),
		"captcha_required_total":   f.stats.captchaRequired.Load(),
		"busy_total":               f.stats.busy.Load(),
		"internal_error_total":     f.stats.internalError.Load(),
	}
}
