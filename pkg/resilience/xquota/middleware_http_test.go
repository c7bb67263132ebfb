package xquota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFromContext(r.Context())
		assert.True(t, ok, "decision should be attached to the request context")
		assert.True(t, d.Admitted)
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPMiddleware_AdmitsThenDenies(t *testing.T) {
	e := newTestEngine(t, StaticSource{"key-free": {"free"}}, nil, nil)
	h := HTTPMiddleware(e.Engine, CategoryTrading,
		WithIdentityFunc(HeaderIdentity(DefaultIdentityHeader)),
	)(okHandler(t))

	for i := 1; i <= 5; i++ {
		r := httptest.NewRequest(http.MethodPost, "/v1/trade", nil)
		r.Header.Set("X-API-Key", "key-free")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "FREE", w.Header().Get("X-RateLimit-Tier"))
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/trade", nil)
	r.Header.Set("X-API-Key", "key-free")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body DenyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Error)
	assert.Equal(t, TierFree, body.Tier)
	assert.Equal(t, CategoryTrading, body.Category)
	assert.Equal(t, 5, body.Limit)
	assert.Equal(t, int64(60), body.RetryAfter)
	require.NotNil(t, body.Upgrade)
	assert.Equal(t, Tier2, body.Upgrade.Tier)
	assert.Equal(t, 20, body.Upgrade.Limit)
	assert.Contains(t, body.Message, "upgrade to TIER_2 for 20")
}

func TestHTTPMiddleware_IdentityFromContextWins(t *testing.T) {
	e := newTestEngine(t, StaticSource{"ctx-user": {"enterprise"}}, nil, nil)
	h := HTTPMiddleware(e.Engine, CategoryTrading)(okHandler(t))

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-API-Key", "header-user")
	r = r.WithContext(WithIdentity(r.Context(), "ctx-user"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "TIER_4", w.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, "300", w.Header().Get("X-RateLimit-Limit"))
}

func TestHTTPMiddleware_UnverifiedHeadersShareAnonymousBudget(t *testing.T) {
	e := newTestEngine(t, StaticSource{}, nil, nil)
	h := HTTPMiddleware(e.Engine, CategoryTrading)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	admitted := 0
	for i := range 20 {
		r := httptest.NewRequest(http.MethodPost, "/v1/trade", nil)
		r.Header.Set(DefaultIdentityHeader, fmt.Sprintf("made-up-%d", i))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted, "rotating an unverified header never yields a fresh bucket")

	usage, err := e.Usage(context.Background(), "")
	require.NoError(t, err)
	for _, u := range usage {
		if u.Category == CategoryTrading {
			assert.Equal(t, 5, u.Count)
		}
	}
}

func TestHTTPMiddleware_Options(t *testing.T) {
	e := newTestEngine(t, StaticSource{}, nil, nil)

	t.Run("skip", func(t *testing.T) {
		called := false
		h := HTTPMiddleware(e.Engine, CategoryTrading,
			WithSkipFunc(func(r *http.Request) bool { return r.URL.Path == "/healthz" }),
		)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			_, ok := DecisionFromContext(r.Context())
			assert.False(t, ok)
		}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.True(t, called)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("no headers", func(t *testing.T) {
		h := HTTPMiddleware(e.Engine, CategoryGeneral, WithMiddlewareHeaders(false))(okHandler(t))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("custom deny and identity", func(t *testing.T) {
		var denied Decision
		h := HTTPMiddlewareFunc(e.Engine, "casino",
			WithIdentityFunc(func(*http.Request) string { return "someone" }),
			WithDenyHandler(func(w http.ResponseWriter, _ *http.Request, d Decision) {
				denied = d
				w.WriteHeader(http.StatusTeapot)
			}),
		)(func(http.ResponseWriter, *http.Request) {
			t.Fatal("denied request must not reach the handler")
		})
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTeapot, w.Code)
		assert.Equal(t, ReasonUnknownCategory, denied.Reason)
	})
}

func TestHTTPMiddleware_StoreUnavailable(t *testing.T) {
	e := newTestEngine(t, StaticSource{}, &failingStore{err: ErrStoreUnavailable}, nil)
	h := HTTPMiddleware(e.Engine, CategoryGeneral)(okHandler(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHTTPMiddleware_NilEnginePanics(t *testing.T) {
	assert.Panics(t, func() { HTTPMiddleware(nil, CategoryGeneral) })
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(Decision{Reason: ReasonQuotaExceeded}))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(Decision{Reason: ReasonCanceled}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(Decision{Reason: ReasonStoreUnavailable}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(Decision{Reason: ReasonEngineClosed}))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(Decision{Reason: ReasonUnknownCategory}))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(Decision{Reason: ReasonInternal}))
}
