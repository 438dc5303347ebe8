package defense

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticVerifier(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		secret string
		token  string
		want   bool
	}{
		{"matching token", "s3cret", "s3cret", true},
		{"wrong token", "s3cret", "nope", false},
		{"empty token", "s3cret", "", false},
		{"empty secret never passes", "", "anything", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &StaticVerifier{Secret: tt.secret}
			ok, err := v.VerifyToken(ctx, tt.token, "1.2.3.4")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestHTTPVerifierSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cret", r.FormValue("secret"))
		assert.Equal(t, "the-token", r.FormValue("response"))
		assert.Equal(t, "1.2.3.4", r.FormValue("remoteip"))
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	v := NewHTTPVerifier(server.URL, "s3cret", time.Second)
	ok, err := v.VerifyToken(context.Background(), "the-token", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPVerifierRejectedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
	}))
	defer server.Close()

	v := NewHTTPVerifier(server.URL, "s3cret", time.Second)
	ok, err := v.VerifyToken(context.Background(), "bogus", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPVerifierEmptyTokenSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	v := NewHTTPVerifier(server.URL, "s3cret", time.Second)
	ok, err := v.VerifyToken(context.Background(), "", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, hits.Load(), "an empty token should be rejected locally")
}

func TestHTTPVerifierEndpointFailure(t *testing.T) {
	t.Run("server error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		v := NewHTTPVerifier(server.URL, "s3cret", time.Second)
		_, err := v.VerifyToken(context.Background(), "tok", "1.2.3.4")
		assert.ErrorContains(t, err, "500")
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		v := NewHTTPVerifier(server.URL, "s3cret", time.Second)
		_, err := v.VerifyToken(context.Background(), "tok", "1.2.3.4")
		assert.ErrorContains(t, err, "decode")
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		v := NewHTTPVerifier(server.URL, "s3cret", time.Second)
		_, err := v.VerifyToken(context.Background(), "tok", "1.2.3.4")
		assert.Error(t, err)
	})
}

func TestCaptchaGateRequired(t *testing.T) {
	store, _ := newClockedStore(t)
	gate := NewCaptchaGate(store, &StaticVerifier{Secret: "x"}, 5, nil)
	ctx := context.Background()

	required, err := gate.Required(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, required, "a fresh IP needs no challenge")

	for i := 0; i < 4; i++ {
		_, err := store.Incr(ctx, ipKey("1.2.3.4"), time.Hour)
		require.NoError(t, err)
	}
	required, err = gate.Required(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, required, "below the threshold")

	_, err = store.Incr(ctx, ipKey("1.2.3.4"), time.Hour)
	require.NoError(t, err)
	required, err = gate.Required(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, required, "at the threshold")

	required, err = gate.Required(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.False(t, required, "other IPs are unaffected")
}

func TestCaptchaGateVerify(t *testing.T) {
	store, _ := newClockedStore(t)
	gate := NewCaptchaGate(store, &StaticVerifier{Secret: "x"}, 5, nil)
	ctx := context.Background()

	ok, err := gate.Verify(ctx, "x", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Verify(ctx, "wrong", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
}
