package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/credential"
	"github.com/torii-auth/torii/internal/identity"
	"github.com/torii-auth/torii/internal/login"
	"github.com/torii-auth/torii/internal/proof"
)

// loginRequest is the wire form of a login attempt.
type loginRequest struct {
	Username      string              `json:"username"`
	Proof         *proof.Proof        `json:"proof"`
	PublicSignals proof.PublicSignals `json:"publicSignals"`
	CaptchaToken  string              `json:"captchaToken,omitempty"`
}

// loginResponse is the wire form of a login result. Failures carry a
// deliberately generic error string so the response body never narrows
// down which check failed.
type loginResponse struct {
	Success        bool   `json:"success"`
	Token          string `json:"token,omitempty"`
	Error          string `json:"error,omitempty"`
	RequireCaptcha bool   `json:"requireCaptcha,omitempty"`
	RetryAfter     int    `json:"retryAfter,omitempty"`
}

// enrollRequest registers a new identity. The secret is commitment
// material; it is hashed immediately and never stored.
type enrollRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Role     string `json:"role,omitempty"`
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,64}$`)

// handleLogin runs one credential-proof attempt.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSON(w, http.StatusBadRequest, loginResponse{Error: "Malformed request"})
		return
	}
	if req.Username == "" || req.Proof == nil || len(req.PublicSignals) == 0 {
		s.sendJSON(w, http.StatusBadRequest, loginResponse{Error: "Missing required fields"})
		return
	}

	resp := s.flow.Run(r.Context(), login.Request{
		Username:     req.Username,
		Proof:        req.Proof,
		Signals:      req.PublicSignals,
		CaptchaToken: req.CaptchaToken,
		IP:           clientIP(r, s.config.TrustProxyHeaders),
		UserAgent:    r.UserAgent(),
	})
	s.writeOutcome(w, resp)
}

// writeOutcome maps a pipeline outcome to its HTTP shape. Credential
// failures share one body regardless of cause, unknown names included.
func (s *Server) writeOutcome(w http.ResponseWriter, resp login.Response) {
	switch resp.Outcome {
	case login.OutcomeSuccess:
		s.sendJSON(w, http.StatusOK, loginResponse{Success: true, Token: resp.Token})
	case login.OutcomeCredentialFailure:
		s.sendJSON(w, http.StatusUnauthorized, loginResponse{
			Error:          "Invalid credentials",
			RequireCaptcha: resp.RequireCaptcha,
		})
	case login.OutcomeLocked:
		s.sendJSON(w, http.StatusForbidden, loginResponse{Error: "Account is locked"})
	case login.OutcomeCaptchaRequired:
		s.sendJSON(w, http.StatusForbidden, loginResponse{
			Error:          "Captcha verification required",
			RequireCaptcha: true,
		})
	case login.OutcomeBusy:
		retry := retryAfterSeconds(resp.RetryAfter)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
		s.sendJSON(w, http.StatusTooManyRequests, loginResponse{
			Error:      "Too many requests",
			RetryAfter: retry,
		})
	default:
		s.sendJSON(w, http.StatusInternalServerError, loginResponse{Error: "Verification failed"})
	}
}

// retryAfterSeconds rounds a wait up to whole seconds, minimum one so
// the header is never zero while a wait is in force.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// handleEnroll registers a new identity and returns its commitment
// parameters. Guarded by the admin token when one is configured.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		s.sendError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Malformed request")
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		s.sendError(w, http.StatusBadRequest, "Username must be 3-64 characters of letters, digits, '_', '.' or '-'")
		return
	}
	if len(req.Secret) < 8 {
		s.sendError(w, http.StatusBadRequest, "Secret must be at least 8 characters")
		return
	}

	if _, err := s.identities.Get(r.Context(), req.Username); err == nil {
		s.sendError(w, http.StatusConflict, "Username already enrolled")
		return
	} else if !errors.Is(err, identity.ErrNotFound) {
		s.logger.Error("Enrollment lookup failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Enrollment failed")
		return
	}

	salt, err := credential.GenerateSalt()
	if err != nil {
		s.logger.Error("Salt generation failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Enrollment failed")
		return
	}
	commitment, err := credential.DeriveCommitment(req.Username, req.Secret, salt)
	if err != nil {
		s.logger.Error("Commitment derivation failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Enrollment failed")
		return
	}

	role := req.Role
	if role == "" {
		role = "user"
	}
	rec := &identity.Record{
		ID:         uuid.NewString(),
		Username:   req.Username,
		Commitment: commitment,
		Salt:       salt,
		Role:       role,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.identities.Set(r.Context(), rec); err != nil {
		s.logger.Error("Enrollment store failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Enrollment failed")
		return
	}

	s.auditor.Emit(r.Context(), audit.Event{
		Type:      audit.TypeEnrolled,
		Username:  req.Username,
		IP:        clientIP(r, s.config.TrustProxyHeaders),
		UserAgent: r.UserAgent(),
		Outcome:   "enrolled",
		Detail:    map[string]interface{}{"role": role},
	})
	s.logger.Info("Identity enrolled",
		zap.String("username", req.Username),
		zap.String("role", role),
	)

	s.sendJSON(w, http.StatusCreated, Response{
		Success: true,
		Data: map[string]interface{}{
			"id":         rec.ID,
			"username":   rec.Username,
			"commitment": rec.Commitment,
			"salt":       base64.StdEncoding.EncodeToString(rec.Salt),
		},
		Time: time.Now(),
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status": "healthy",
			"uptime": int64(time.Since(s.started).Seconds()),
		},
		Time: time.Now(),
	})
}

// handleStatus reports per-component counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"api": s.GetStats(),
	}
	for name, source := range s.status {
		components[name] = source.GetStats()
	}
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    components,
		Time:    time.Now(),
	})
}
