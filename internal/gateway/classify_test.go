package gateway

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/retry"
	"schwab-gateway/internal/transport"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		resp   transport.Response
		err    error
		kind   retry.Kind
		sent   bool
		after  time.Duration
		status int
	}{
		{name: "ok", resp: transport.Response{StatusCode: 200}, kind: retry.Success, sent: true, status: 200},
		{name: "created", resp: transport.Response{StatusCode: 201}, kind: retry.Success, sent: true, status: 201},
		{name: "unauthorized", resp: transport.Response{StatusCode: 401}, kind: retry.AuthFailure, sent: true, status: 401},
		{name: "forbidden", resp: transport.Response{StatusCode: 403}, kind: retry.Fatal, sent: true, status: 403},
		{name: "throttled", resp: transport.Response{StatusCode: 429, Header: http.Header{"Retry-After": {"3"}}}, kind: retry.Retryable, sent: false, after: 3 * time.Second, status: 429},
		{name: "unavailable by date", resp: transport.Response{StatusCode: 503, Header: http.Header{"Retry-After": {now.Add(5 * time.Second).Format(http.TimeFormat)}}}, kind: retry.Retryable, sent: true, after: 5 * time.Second, status: 503},
		{name: "gateway timeout", resp: transport.Response{StatusCode: 504}, kind: retry.Retryable, sent: true, status: 504},
		{name: "not implemented", resp: transport.Response{StatusCode: 501}, kind: retry.Fatal, sent: true, status: 501},
		{name: "reset before send", err: &apierr.TransportError{Err: errors.New("connection refused")}, kind: retry.Retryable, sent: false},
		{name: "reset after send", err: &apierr.TransportError{Err: errors.New("connection reset"), Sent: true}, kind: retry.Retryable, sent: true},
		{name: "bad request construction", err: errors.New("invalid method"), kind: retry.Fatal, sent: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := classify(tc.resp, tc.err, now)
			assert.Equal(t, tc.kind, out.Kind)
			assert.Equal(t, tc.sent, out.Sent)
			assert.Equal(t, tc.after, out.RetryAfter)
			assert.Equal(t, tc.status, out.StatusCode)
		})
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Invalid symbol", errorMessage([]byte(`{"message":"Invalid symbol"}`)))
	assert.Equal(t, "token expired", errorMessage([]byte(`{"error":"invalid_token","error_description":"token expired"}`)))
	assert.Equal(t, "Bad Request", errorMessage([]byte(`{"errors":[{"title":"Bad Request"}]}`)))
	assert.Equal(t, "upstream down", errorMessage([]byte("upstream down")))
	assert.Equal(t, "", errorMessage(nil))
}

func TestDescriptorHelpers(t *testing.T) {
	assert.True(t, Get("/trader/v1/accounts", nil).Idempotent)
	assert.True(t, Delete("/trader/v1/accounts/H/orders/1").Idempotent)

	post, err := Post("/trader/v1/accounts/H/orders", map[string]string{"orderType": "MARKET"})
	assert.NoError(t, err)
	assert.False(t, post.Idempotent)
	assert.JSONEq(t, `{"orderType":"MARKET"}`, string(post.Body))

	put, err := Put("/trader/v1/accounts/H/orders/1", nil)
	assert.NoError(t, err)
	assert.False(t, put.Idempotent)
	assert.Nil(t, put.Body)

	assert.True(t, Get("/marketdata/v1/quotes", nil).MarketData())
	assert.False(t, Get("/trader/v1/marketdata", nil).MarketData())

	var v struct{ Symbol string }
	assert.NoError(t, Result{Body: []byte(`{"Symbol":"SPY"}`)}.Decode(&v))
	assert.Equal(t, "SPY", v.Symbol)
	assert.NoError(t, Result{}.Decode(&v))
	assert.Equal(t, "", Result{}.Location())
}
