package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/auth"
	"schwab-gateway/internal/config"
	"schwab-gateway/internal/store"
	"schwab-gateway/internal/token"
)

// fakeSchwab 同时模拟令牌端点与 trader/marketdata API。
type fakeSchwab struct {
	srv       *httptest.Server
	refreshes atomic.Int32
	grants    atomic.Int32
	orders    atomic.Int32
}

func newFakeSchwab(t *testing.T) *fakeSchwab {
	t.Helper()
	f := &fakeSchwab{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth/token", f.token)
	mux.HandleFunc("/trader/v1/accounts/accountNumbers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer AT-seed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `[{"accountNumber":"123","hashValue":"HASH"}]`)
	})
	mux.HandleFunc("/trader/v1/accounts/HASH/orders", func(w http.ResponseWriter, r *http.Request) {
		f.orders.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/marketdata/v1/quotes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer MD-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"AAPL":{"quote":{"lastPrice":190.5}}}`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSchwab) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		f.refreshes.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"AT-refreshed","refresh_token":"RT-2","token_type":"Bearer","expires_in":1800}`)
	case "client_credentials":
		f.grants.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"MD-1","token_type":"Bearer","expires_in":1800}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"unsupported_grant_type"}`)
	}
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		App:     config.AppConfig{Environment: "test"},
		Trading: config.CredentialConfig{ClientID: "app", ClientSecret: "secret", RedirectURI: "https://127.0.0.1:8182"},
		API: config.APIConfig{
			BaseURL:          baseURL,
			AuthURL:          baseURL + "/v1/oauth/authorize",
			TokenURL:         baseURL + "/v1/oauth/token",
			RequestTimeout:   5 * time.Second,
			MaxResponseBytes: 1 << 20,
		},
		Auth: config.AuthConfig{
			SafetyMargin:    time.Minute,
			RefreshTimeout:  5 * time.Second,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		RateLimit:  config.RateLimitConfig{MaxRequests: 100, Window: time.Minute, MaxConcurrent: 4},
		Retry:      config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		TokenStore: config.TokenStoreConfig{Driver: "memory"},
		Database:   config.DatabaseConfig{InMemory: true, MaxOpenConns: 2},
		Scheduler:  config.SchedulerConfig{KeepAliveInterval: time.Minute},
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seededStore(expiresIn time.Duration) *token.MemoryStore {
	now := time.Now()
	return token.NewMemoryStore(&token.Set{
		AccessToken:  "AT-seed",
		RefreshToken: "RT-1",
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(expiresIn),
		ObtainedAt:   now,
	})
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(cfg, nil, newTestStore(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func get(t *testing.T, h http.Handler, target string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestApp_RestoredSessionServesCalls(t *testing.T) {
	f := newFakeSchwab(t)
	a := newTestApp(t, testConfig(f.srv.URL), WithTokenStore(token.APITrading, seededStore(time.Hour)))
	ctx := context.Background()

	require.NoError(t, a.Restore(ctx))
	assert.Equal(t, auth.Authenticated, a.Trading().State())

	accounts, err := a.Client().AccountNumbers(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "HASH", accounts[0].HashValue)
	assert.Zero(t, f.refreshes.Load())

	var statuses []statusView
	require.NoError(t, json.Unmarshal([]byte(get(t, a.Handler(), "/status")), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "authenticated", statuses[0].State)
	assert.True(t, statuses[0].HasRefreshToken)

	body := get(t, a.Handler(), "/metrics")
	assert.Contains(t, body, `schwab_calls_total{method="GET",result="success"} 1`)
}

func TestApp_AmbiguousOrderIsJournaled(t *testing.T) {
	f := newFakeSchwab(t)
	a := newTestApp(t, testConfig(f.srv.URL), WithTokenStore(token.APITrading, seededStore(time.Hour)))
	ctx := context.Background()
	require.NoError(t, a.Restore(ctx))

	_, err := a.Client().PlaceOrder(ctx, "HASH", map[string]any{"orderType": "MARKET"})
	require.Error(t, err)
	assert.True(t, apierr.IsAmbiguous(err))
	assert.Equal(t, int32(1), f.orders.Load(), "non-idempotent calls are not resent")

	body := get(t, a.Handler(), "/events?type=AMBIGUOUS_OUTCOME")
	assert.Contains(t, body, "ambiguous_outcome")
	assert.Contains(t, body, "/trader/v1/accounts/HASH/orders")
}

func TestApp_MarketDataUsesClientCredentials(t *testing.T) {
	f := newFakeSchwab(t)
	cfg := testConfig(f.srv.URL)
	cfg.MarketData = config.CredentialConfig{ClientID: "md", ClientSecret: "md-secret"}
	a := newTestApp(t, cfg)

	quotes, err := a.Client().Quotes(context.Background(), []string{"AAPL"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 190.5, quotes["AAPL"].LastPrice, 1e-9)
	assert.Equal(t, int32(1), f.grants.Load())
	assert.Len(t, a.Statuses(), 2)
}

func TestApp_NotAuthenticatedWithoutSession(t *testing.T) {
	f := newFakeSchwab(t)
	a := newTestApp(t, testConfig(f.srv.URL))
	require.NoError(t, a.Restore(context.Background()))

	_, err := a.Client().AccountNumbers(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.NeedsReauthorization(err))
}

func TestKeepAlive_RefreshesExpiringSession(t *testing.T) {
	f := newFakeSchwab(t)
	a := newTestApp(t, testConfig(f.srv.URL), WithTokenStore(token.APITrading, seededStore(10*time.Second)))
	ctx := context.Background()
	require.NoError(t, a.Restore(ctx))

	keeper := newKeepAlive(a.trading, a.marketData, nil)
	require.NoError(t, keeper.Tick(ctx))
	assert.Equal(t, int32(1), f.refreshes.Load())

	require.NoError(t, keeper.Tick(ctx))
	assert.Equal(t, int32(1), f.refreshes.Load(), "refreshed token is outside the margin")
}

func TestKeepAlive_SkipsUnauthenticated(t *testing.T) {
	f := newFakeSchwab(t)
	a := newTestApp(t, testConfig(f.srv.URL))

	require.NoError(t, newKeepAlive(a.trading, nil, nil).Tick(context.Background()))
	assert.Zero(t, f.refreshes.Load())
}

func TestNew_TokenStoreDrivers(t *testing.T) {
	f := newFakeSchwab(t)

	cfg := testConfig(f.srv.URL)
	cfg.TokenStore = config.TokenStoreConfig{Driver: "sqlite"}
	a := newTestApp(t, cfg)
	require.NoError(t, a.Restore(context.Background()))
	assert.Equal(t, auth.Unauthenticated, a.Trading().State())

	cfg = testConfig(f.srv.URL)
	cfg.TokenStore = config.TokenStoreConfig{Driver: "bolt", Path: filepath.Join(t.TempDir(), "tokens.bolt")}
	cfg.MarketData = config.CredentialConfig{ClientID: "md", ClientSecret: "md-secret"}
	b, err := New(cfg, nil, newTestStore(t))
	require.NoError(t, err)
	require.NoError(t, b.Restore(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "second close is a no-op")
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	cfg := testConfig("not a url")
	_, err = New(cfg, nil, newTestStore(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "执行器"))
}
