package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/auth"
	"schwab-gateway/internal/gateway"
	"schwab-gateway/internal/retry"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_RecordsPipelineEvents(t *testing.T) {
	m := New()

	m.OnAttempt("GET", retry.Outcome{Kind: retry.Retryable, StatusCode: 503})
	m.OnAttempt("GET", retry.Outcome{Kind: retry.Success, StatusCode: 200})
	m.OnRetry("GET", 100*time.Millisecond)
	m.OnCallDone(gateway.Get("/trader/v1/accounts", nil), 2, nil)
	m.OnCallDone(gateway.Descriptor{Method: "POST"}, 1, &apierr.AmbiguousOutcomeError{Method: "POST", StatusCode: 500})
	m.ObserveLimiterWait(1500 * time.Millisecond)
	m.OnTransition("trading", auth.Authenticated, auth.Refreshing, "near expiry")
	m.OnRefresh("trading", nil)
	m.OnRefresh("market_data", errors.New("boom"))

	body := scrape(t, m)
	assert.Contains(t, body, `schwab_attempts_total{method="GET",outcome="retryable",status="503"} 1`)
	assert.Contains(t, body, `schwab_attempts_total{method="GET",outcome="success",status="200"} 1`)
	assert.Contains(t, body, `schwab_retries_total{method="GET"} 1`)
	assert.Contains(t, body, `schwab_calls_total{method="GET",result="success"} 1`)
	assert.Contains(t, body, `schwab_calls_total{method="POST",result="ambiguous"} 1`)
	assert.Contains(t, body, `schwab_ratelimit_wait_seconds_count 1`)
	assert.Contains(t, body, `schwab_auth_transitions_total{source="trading",to="refreshing"} 1`)
	assert.Contains(t, body, `schwab_token_refresh_total{result="success",source="trading"} 1`)
	assert.Contains(t, body, `schwab_token_refresh_total{result="failure",source="market_data"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OnAttempt("GET", retry.Outcome{})
		m.OnRetry("GET", time.Second)
		m.OnCallDone(gateway.Descriptor{}, 1, nil)
		m.ObserveLimiterWait(time.Second)
		m.OnTransition("trading", auth.Unauthenticated, auth.Authenticated, "")
		m.OnRefresh("trading", nil)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
