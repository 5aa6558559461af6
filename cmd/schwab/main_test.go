package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schwab-gateway/internal/apierr"
)

func TestErrorHint(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"refresh exhausted", fmt.Errorf("schwab: 获取账号失败: %w", apierr.ErrAuthRefreshExhausted), "re-authenticate"},
		{"not authenticated", apierr.ErrNotAuthenticated, "auth login"},
		{"code rejected", &apierr.AuthorizationError{Reason: "rejected", Restart: true}, "授权码已失效"},
		{"ambiguous", fmt.Errorf("schwab: 下单失败: %w", &apierr.AmbiguousOutcomeError{Method: "POST", Attempts: 1, StatusCode: 502}), "verify before resubmitting"},
		{"rate limited", &apierr.RetryExhaustedError{StatusCode: 429, Attempts: 4}, "限流"},
		{"fatal", &apierr.FatalAPIError{StatusCode: 400}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hint := errorHint(tc.err)
			if tc.want == "" {
				assert.Empty(t, hint)
				return
			}
			assert.Contains(t, hint, tc.want)
		})
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}
