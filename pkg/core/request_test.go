package core

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest_Defaults(t *testing.T) {
	req := NewRequest(http.MethodGet, "/0/public/Time")

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/0/public/Time", req.Path)
	assert.Equal(t, CategoryData, req.Category)
	assert.False(t, req.Auth)
	assert.NotNil(t, req.Params)
}

func TestRequest_Chaining(t *testing.T) {
	req := NewRequest(http.MethodPost, "/0/private/AddOrder").
		SetParam("pair", "XBTUSD").
		SetParam("type", "buy").
		SetAuth(true).
		SetCategory(CategoryTrading)

	assert.True(t, req.Auth)
	assert.Equal(t, CategoryTrading, req.Category)
	assert.Equal(t, "XBTUSD", req.Params.Get("pair"))
	assert.Equal(t, "buy", req.Params.Get("type"))
}

func TestRequest_CanRetry(t *testing.T) {
	assert.True(t, NewRequest(http.MethodGet, "/0/public/Time").CanRetry())
	assert.False(t, NewRequest(http.MethodPost, "/0/private/AddOrder").CanRetry())
	assert.True(t, NewRequest(http.MethodPost, "/0/private/Balance").SetIdempotent(true).CanRetry())
}

func TestSubscription_Key(t *testing.T) {
	pub := Subscription{Channel: "ticker", Symbols: []string{"XBT/USD", "ETH/USD"}}
	assert.Equal(t, "ticker|XBT/USD,ETH/USD|public", pub.Key())

	priv := Subscription{Channel: "ownTrades", Private: true}
	assert.Equal(t, "ownTrades||private", priv.Key())

	assert.False(t, pub.Equal(priv))
	assert.True(t, pub.Equal(Subscription{Channel: "ticker", Symbols: []string{"XBT/USD", "ETH/USD"}}))
	assert.Equal(t, pub.Key(), pub.String())
}

func TestEvent_SubscriptionKey(t *testing.T) {
	data := &Event{Kind: EventData, Channel: "ticker", Pair: "XBT/USD"}
	assert.Equal(t, "ticker|XBT/USD|public", data.SubscriptionKey(false))

	private := &Event{Kind: EventData, Channel: "ownTrades"}
	assert.Equal(t, "ownTrades||private", private.SubscriptionKey(true))
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "heartbeat", EventHeartbeat.String())
	assert.Equal(t, "subscriptionAck", EventSubscriptionAck.String())
	assert.Equal(t, "data", EventData.String())
}
