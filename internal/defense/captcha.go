package defense

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TokenVerifier checks a challenge token presented by a client.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token, remoteIP string) (bool, error)
}

// StaticVerifier accepts a single shared token. It exists for tests and
// staging environments without an external challenge provider.
type StaticVerifier struct {
	Secret string
}

func (v *StaticVerifier) VerifyToken(ctx context.Context, token, remoteIP string) (bool, error) {
	if v.Secret == "" || token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(v.Secret)) == 1, nil
}

// HTTPVerifier validates tokens against a siteverify-style endpoint: a
// form POST of secret, response and remoteip answered with a JSON body
// carrying a success flag.
type HTTPVerifier struct {
	client    *http.Client
	verifyURL string
	secret    string
}

// NewHTTPVerifier builds a verifier for the given endpoint.
func NewHTTPVerifier(verifyURL, secret string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		client:    &http.Client{Timeout: timeout},
		verifyURL: verifyURL,
		secret:    secret,
	}
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build captcha verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha verify endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode captcha verify response: %w", err)
	}
	return body.Success, nil
}

// CaptchaGate requires a valid challenge token once an IP's failure count
// crosses the threshold. The gate runs before any verification work so
// policy-blocked requests never consume worker capacity.
type CaptchaGate struct {
	store     CounterStore
	verifier  TokenVerifier
	threshold int64
	logger    *zap.Logger
}

// NewCaptchaGate creates the gate over the shared counter store.
func NewCaptchaGate(store CounterStore, verifier TokenVerifier, threshold int, logger *zap.Logger) *CaptchaGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptchaGate{
		store:     store,
		verifier:  verifier,
		threshold: int64(threshold),
		logger:    logger.Named("captcha"),
	}
}

// Required reports whether the IP has to present a token.
func (g *CaptchaGate) Required(ctx context.Context, ip string) (bool, error) {
	count, err := g.store.Get(ctx, ipKey(ip))
	if err != nil {
		return false, err
	}
	return count >= g.threshold, nil
}

// Verify checks a presented token. An empty token never passes.
func (g *CaptchaGate) Verify(ctx context.Context, token, ip string) (bool, error) {
	ok, err := g.verifier.VerifyToken(ctx, token, ip)
	if err != nil {
		return false, err
	}
	if !ok {
		g.logger.Debug("captcha token rejected", zap.String("ip", ip))
	}
	return ok, nil
}
