package chat_test

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLoginRateLimit verifies the strict per-IP limit on /auth/login kicks in
// under the production defaults.
func TestLoginRateLimit(t *testing.T) {
	baseURL, cleanup := setupChatContainerWithDefaultRateLimits(t)
	defer cleanup()

	body := []byte(`{"username":"nobody","password":"wrong"}`)

	var limited bool
	var lastResp *http.Response
	for i := 0; i < 10; i++ {
		resp, err := http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			lastResp = resp
			break
		}
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode,
			"Pre-limit attempts should fail on credentials, not on the limiter")
	}

	require.True(t, limited, "Rapid login attempts should eventually hit the rate limit")
	require.NotEmpty(t, lastResp.Header.Get("Retry-After"), "Limited responses should carry Retry-After")
	require.NotEmpty(t, lastResp.Header.Get("X-RateLimit-Limit"))
}
