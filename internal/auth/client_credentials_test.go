package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schwab-gateway/internal/clock"
	"schwab-gateway/internal/config"
	"schwab-gateway/internal/token"
)

func newTestClientCredentials(t *testing.T, te *tokenEndpoint, fake *clock.Fake, store token.Store) *ClientCredentials {
	t.Helper()
	cc := NewClientCredentialsConfig(
		config.CredentialConfig{ClientID: "md-key", ClientSecret: "md-secret"},
		config.APIConfig{TokenURL: te.srv.URL + "/v1/oauth/token"},
		nil,
	)
	c := NewClientCredentials(Config{SafetyMargin: time.Minute, RefreshTimeout: 5 * time.Second}, cc, store,
		WithClock(fake), WithHTTPClient(te.srv.Client()))
	require.NoError(t, c.Restore(context.Background()))
	return c
}

func TestClientCredentials_FetchesOnceAndCaches(t *testing.T) {
	te := newTokenEndpoint(t)
	fake := clock.NewFake(testStart)
	store := token.NewMemoryStore(nil)
	c := newTestClientCredentials(t, te, fake, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := c.ValidToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "MD-1", set.AccessToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), te.grants.Load())

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MD-1", persisted.AccessToken)

	// 进入安全边际后重新获取。
	fake.Advance(29*time.Minute + 30*time.Second)
	set, err := c.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MD-2", set.AccessToken)
}

func TestClientCredentials_ForceRefreshAndRestore(t *testing.T) {
	te := newTokenEndpoint(t)
	fake := clock.NewFake(testStart)
	store := token.NewMemoryStore(&token.Set{
		AccessToken: "MD-cached",
		ExpiresAt:   testStart.Add(20 * time.Minute),
		ObtainedAt:  testStart.Add(-10 * time.Minute),
	})
	c := newTestClientCredentials(t, te, fake, store)

	set, err := c.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MD-cached", set.AccessToken)
	assert.Zero(t, te.grants.Load())

	next, err := c.ForceRefresh(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, "MD-1", next.AccessToken)
	assert.Equal(t, Authenticated, c.Status().State)
}
