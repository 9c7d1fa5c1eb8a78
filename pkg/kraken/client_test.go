package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenconn/pkg/core"
	"krakenconn/pkg/ws"
)

const testSecret = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="

func TestNew_ValidatesConfig(t *testing.T) {
	cfg := core.DefaultConfig(core.MarketTypeSpot)
	cfg.BaseURL = ""

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_InvalidSecretFailsFast(t *testing.T) {
	cfg := core.DefaultConfig(core.MarketTypeSpot).
		WithCredentials(&core.Credentials{APIKey: "key", APISecret: "%%% not base64"})

	_, err := New(cfg)
	require.Error(t, err)

	var e *core.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, core.ErrorTypeSigning, e.Type)
}

func TestClient_PublicOnlyWithoutCredentials(t *testing.T) {
	client, err := New(core.DefaultConfig(core.MarketTypeSpot))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.PublicSession()
	assert.NoError(t, err)

	_, err = client.PrivateSession()
	assert.ErrorIs(t, err, core.ErrNoCredentials)
}

func TestClient_SessionsAreReused(t *testing.T) {
	cfg := core.DefaultConfig(core.MarketTypeSpot).
		WithCredentials(&core.Credentials{APIKey: "key", APISecret: testSecret})
	client, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	a, err := client.PublicSession()
	require.NoError(t, err)
	b, err := client.PublicSession()
	require.NoError(t, err)
	assert.Same(t, a, b)

	p, err := client.PrivateSession()
	require.NoError(t, err)
	q, err := client.PrivateSession()
	require.NoError(t, err)
	assert.Same(t, p, q)
	assert.NotSame(t, a, p)
}

func TestClient_DoThroughTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":[],"result":{"unixtime":1616336594}}`))
	}))
	defer server.Close()

	cfg := core.DefaultConfig(core.MarketTypeSpot)
	cfg.BaseURL = server.URL
	client, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	result, err := client.Do(context.Background(), core.NewRequest(http.MethodGet, "/0/public/Time"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"unixtime":1616336594}`, string(result))

	snap := client.RateLimitSnapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
}

func TestClient_CloseCascades(t *testing.T) {
	cfg := core.DefaultConfig(core.MarketTypeSpot).
		WithCredentials(&core.Credentials{APIKey: "key", APISecret: testSecret})
	client, err := New(cfg)
	require.NoError(t, err)

	public, err := client.PublicSession()
	require.NoError(t, err)
	private, err := client.PrivateSession()
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, ws.StateClosed, public.State())
	assert.Equal(t, ws.StateClosed, private.State())

	_, err = client.PublicSession()
	assert.ErrorIs(t, err, core.ErrClientClosed)

	_, err = client.Do(context.Background(), core.NewRequest(http.MethodGet, "/0/public/Time"))
	assert.ErrorIs(t, err, core.ErrClientClosed)
}

func TestClient_FuturesDefaults(t *testing.T) {
	client, err := New(core.DefaultConfig(core.MarketTypeFutures))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	session, err := client.PublicSession()
	require.NoError(t, err)
	assert.NotNil(t, session)

	_, err = client.PrivateSession()
	assert.ErrorIs(t, err, core.ErrNoCredentials)
}

func TestClient_FuturesPrivateSessionWithCredentials(t *testing.T) {
	cfg := core.DefaultConfig(core.MarketTypeFutures).
		WithCredentials(&core.Credentials{APIKey: "key", APISecret: testSecret})
	client, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	session, err := client.PrivateSession()
	require.NoError(t, err)
	assert.NotNil(t, session)
}
