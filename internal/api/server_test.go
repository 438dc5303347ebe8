package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/admission"
	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/defense"
	"github.com/torii-auth/torii/internal/identity"
	"github.com/torii-auth/torii/internal/login"
	"github.com/torii-auth/torii/internal/metrics"
	"github.com/torii-auth/torii/internal/proof"
	"github.com/torii-auth/torii/internal/token"
	"github.com/torii-auth/torii/internal/workerpool"
)

const (
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	testCaptcha   = "pass-captcha"
)

// captureSink records audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Write(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) ofType(eventType string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testServer struct {
	server     *Server
	identities identity.Store
	pipeline   *defense.Pipeline
	sink       *captureSink
}

type testServerConfig struct {
	api     *Config
	defense *defense.Config
}

func newTestServer(t *testing.T, tc testServerConfig) *testServer {
	t.Helper()

	apiCfg := Config{Enabled: true, EnableEnroll: true, RateLimit: 1000, RateBurst: 1000}
	if tc.api != nil {
		apiCfg = *tc.api
		apiCfg.Enabled = true
	}

	defCfg := defense.Config{
		Window:           time.Hour,
		RiskElevated:     3,
		RiskHigh:         8,
		RiskCritical:     20,
		CaptchaThreshold: 5,
		CaptchaMode:      "static",
		CaptchaSecret:    testCaptcha,
		DelayFree:        100,
		DelayBase:        time.Second,
		DelayFactor:      2,
		DelayMax:         time.Minute,
		FailMode:         "secure",
	}
	if tc.defense != nil {
		defCfg = *tc.defense
	}

	counterStore := defense.NewMemoryStore()
	t.Cleanup(func() { counterStore.Close() })
	pipeline := defense.NewPipeline(counterStore, defCfg, zap.NewNop())

	pool := workerpool.New(zap.NewNop(), workerpool.Config{
		Workers:     2,
		QueueSize:   16,
		TaskTimeout: 2 * time.Second,
	})
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Stop() })

	sink := &captureSink{}
	issuer, err := token.NewJWTIssuer(token.Config{Secret: testJWTSecret})
	require.NoError(t, err)

	identities := identity.NewMemStore()
	t.Cleanup(func() { _ = identities.Close() })

	flow, err := login.NewFlow(login.Deps{
		Identities: identities,
		Verifier:   proof.NewCommitmentVerifier(proof.Config{Backend: "commitment"}, zap.NewNop()),
		Pool:       pool,
		Admission:  admission.NewController(8, zap.NewNop()),
		Defense:    pipeline,
		Audit:      audit.NewEmitter(sink, time.Second, zap.NewNop()),
		Tokens:     issuer,
	}, login.Config{WaitTimeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	srv, err := NewServer(apiCfg, Deps{
		Flow:       flow,
		Identities: identities,
		Audit:      audit.NewEmitter(sink, time.Second, zap.NewNop()),
	}, zap.NewNop())
	require.NoError(t, err)

	return &testServer{
		server:     srv,
		identities: identities,
		pipeline:   pipeline,
		sink:       sink,
	}
}

func (ts *testServer) enroll(t *testing.T, username, commitment string) {
	t.Helper()
	require.NoError(t, ts.identities.Set(context.Background(), &identity.Record{
		ID:         "id-" + username,
		Username:   username,
		Commitment: commitment,
		Salt:       []byte("0123456789abcdef"),
		CreatedAt:  time.Now().UTC(),
	}))
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	ts.server.router.ServeHTTP(rr, req)
	return rr
}

func loginBody(username, signal string) map[string]interface{} {
	return map[string]interface{}{
		"username": username,
		"proof": map[string]interface{}{
			"pi_a":     []string{"1", "2", "1"},
			"pi_b":     [][]string{{"1", "2"}, {"3", "4"}, {"1", "0"}},
			"pi_c":     []string{"5", "6", "1"},
			"protocol": "groth16",
			"curve":    "bn128",
		},
		"publicSignals": []string{signal},
	}
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Enabled: false}, Deps{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewServer(Config{Enabled: true}, Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestLoginSuccess(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	ts.enroll(t, "alice", "12345")

	rr := ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "12345"), nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Token)
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestLoginWrongCredential(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	ts.enroll(t, "alice", "12345")

	rr := ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "999"), nil)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"success":false,"error":"Invalid credentials"}`, rr.Body.String())
}

func TestLoginUnknownUserAnswersLikeWrongCredential(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	ts.enroll(t, "alice", "12345")

	wrong := ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "999"), nil)
	unknown := ts.do(t, "POST", "/api/v1/auth/login", loginBody("nobody", "999"), nil)

	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	require.Equal(t, http.StatusUnauthorized, unknown.Code)
	// Status and body leak nothing about whether the name exists.
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())
}

func TestLoginLockedAccount(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	require.NoError(t, ts.identities.Set(context.Background(), &identity.Record{
		ID:         "id-locked",
		Username:   "mallory",
		Commitment: "12345",
		Salt:       []byte("0123456789abcdef"),
		Locked:     true,
	}))

	rr := ts.do(t, "POST", "/api/v1/auth/login", loginBody("mallory", "12345"), nil)

	require.Equal(t, http.StatusForbidden, rr.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Account is locked", resp.Error)
	assert.Empty(t, resp.Token)
}

func TestLoginMissingFields(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	rr := ts.do(t, "POST", "/api/v1/auth/login", map[string]interface{}{"username": "alice"}, nil)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	// Malformed requests never reach the pipeline, so nothing is counted.
	assert.Zero(t, ts.pipeline.FailureCount(context.Background(), "192.0.2.1"))
	assert.Empty(t, ts.sink.ofType(audit.TypeLogin))
}

func TestLoginMalformedJSON(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	ts.server.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginCaptchaFlow(t *testing.T) {
	defCfg := defense.Config{
		Window:           time.Hour,
		RiskElevated:     3,
		RiskHigh:         8,
		RiskCritical:     20,
		CaptchaThreshold: 2,
		CaptchaMode:      "static",
		CaptchaSecret:    testCaptcha,
		DelayFree:        100,
		DelayBase:        time.Second,
		DelayFactor:      2,
		DelayMax:         time.Minute,
		FailMode:         "secure",
	}
	ts := newTestServer(t, testServerConfig{defense: &defCfg})
	ts.enroll(t, "alice", "12345")

	rr := ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "999"), nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Second failure crosses the threshold; the rejection carries the hint.
	rr = ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "999"), nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.RequireCaptcha)

	// Without a token the attempt is refused before verification.
	rr = ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "12345"), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.RequireCaptcha)
	assert.Equal(t, "Captcha verification required", resp.Error)

	// With the token the same credentials go through.
	body := loginBody("alice", "12345")
	body["captchaToken"] = testCaptcha
	rr = ts.do(t, "POST", "/api/v1/auth/login", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}

func TestLoginProgressiveDelayReturns429(t *testing.T) {
	defCfg := defense.Config{
		Window:           time.Hour,
		RiskElevated:     3,
		RiskHigh:         8,
		RiskCritical:     20,
		CaptchaThreshold: 100,
		CaptchaMode:      "static",
		CaptchaSecret:    testCaptcha,
		DelayFree:        1,
		DelayBase:        time.Hour,
		DelayFactor:      2,
		DelayMax:         2 * time.Hour,
		FailMode:         "secure",
	}
	ts := newTestServer(t, testServerConfig{defense: &defCfg})
	ts.enroll(t, "alice", "12345")

	for i := 0; i < 2; i++ {
		rr := ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "999"), nil)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	rr := ts.do(t, "POST", "/api/v1/auth/login", loginBody("alice", "12345"), nil)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Too many requests", resp.Error)
	assert.Greater(t, resp.RetryAfter, 0)
}

func TestEnrollThenLogin(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	rr := ts.do(t, "POST", "/api/v1/auth/enroll", map[string]string{
		"username": "bob",
		"secret":   "hunter22hunter22",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	var envelope Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	commitment, _ := data["commitment"].(string)
	require.NotEmpty(t, commitment)
	require.NotEmpty(t, data["id"])
	require.NotEmpty(t, data["salt"])

	require.Len(t, ts.sink.ofType(audit.TypeEnrolled), 1)

	attempt := ts.do(t, "POST", "/api/v1/auth/login", loginBody("bob", commitment), nil)
	require.Equal(t, http.StatusOK, attempt.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(attempt.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}

func TestEnrollDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	ts.enroll(t, "alice", "12345")

	rr := ts.do(t, "POST", "/api/v1/auth/enroll", map[string]string{
		"username": "alice",
		"secret":   "hunter22hunter22",
	}, nil)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestEnrollValidation(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	cases := []struct {
		name string
		body map[string]string
	}{
		{"short username", map[string]string{"username": "ab", "secret": "hunter22hunter22"}},
		{"bad characters", map[string]string{"username": "al ice", "secret": "hunter22hunter22"}},
		{"short secret", map[string]string{"username": "alice", "secret": "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(t, "POST", "/api/v1/auth/enroll", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestEnrollAdminTokenGuard(t *testing.T) {
	ts := newTestServer(t, testServerConfig{
		api: &Config{Enabled: true, EnableEnroll: true, RateLimit: 1000, RateBurst: 1000, AdminToken: "sekrit"},
	})

	body := map[string]string{"username": "bob", "secret": "hunter22hunter22"}

	rr := ts.do(t, "POST", "/api/v1/auth/enroll", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, "POST", "/api/v1/auth/enroll", body, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, "POST", "/api/v1/auth/enroll", body, map[string]string{"X-Admin-Token": "sekrit"})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestEnrollRouteAbsentWhenDisabled(t *testing.T) {
	ts := newTestServer(t, testServerConfig{
		api: &Config{Enabled: true, RateLimit: 1000, RateBurst: 1000},
	})

	rr := ts.do(t, "POST", "/api/v1/auth/enroll", map[string]string{
		"username": "bob",
		"secret":   "hunter22hunter22",
	}, nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	ts := newTestServer(t, testServerConfig{
		api: &Config{Enabled: true, RateLimit: 1, RateBurst: 1},
	})

	first := ts.do(t, "GET", "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := ts.do(t, "GET", "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.EqualValues(t, 1, ts.server.rateLimited.Load())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	rr := ts.do(t, "GET", "/api/v1/health", nil, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var envelope Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	ts.server.status = map[string]metrics.StatsSource{
		"pool": staticStats{"queue_depth": 0},
	}

	rr := ts.do(t, "GET", "/api/v1/status", nil, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var envelope Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "api")
	assert.Contains(t, data, "pool")
}

type staticStats map[string]interface{}

func (s staticStats) GetStats() map[string]interface{} { return s }

func TestRecoverMiddleware(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	panicking := ts.server.recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	panicking.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.EqualValues(t, 1, ts.server.panicsRecovered.Load())
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, testServerConfig{
		api: &Config{Enabled: true, RateLimit: 1000, RateBurst: 1000, AllowOrigins: []string{"https://app.example.com"}},
	})

	req := httptest.NewRequest("OPTIONS", "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	ts.server.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	ts.server.router.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "198.51.100.9:4431", nil, false, "198.51.100.9"},
		{"spoofed header ignored", "198.51.100.9:4431", map[string]string{"X-Forwarded-For": "203.0.113.5"}, false, "198.51.100.9"},
		{"forwarded chain trusted", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, true, "203.0.113.5"},
		{"real ip trusted", "10.0.0.1:80", map[string]string{"X-Real-IP": "203.0.113.6"}, true, "203.0.113.6"},
		{"ipv6", "[2001:db8::1]:443", nil, false, "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, clientIP(req, tc.trustProxy))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 1, retryAfterSeconds(time.Second))
	assert.Equal(t, 2, retryAfterSeconds(1100*time.Millisecond))
	assert.Equal(t, 3600, retryAfterSeconds(time.Hour))
}

func TestServerStats(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})

	for i := 0; i < 3; i++ {
		ts.do(t, "GET", "/api/v1/health", nil, nil)
	}

	stats := ts.server.GetStats()
	assert.EqualValues(t, 3, stats["requests_total"])
	assert.Contains(t, stats, "uptime_seconds")
	assert.Contains(t, stats, "rate_limit_per_ip")
}

func TestShutdownWithoutStart(t *testing.T) {
	ts := newTestServer(t, testServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ts.server.Shutdown(ctx))
}
