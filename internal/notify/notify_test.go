package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/exchange"
)

type capture struct {
	subject string
	data    []byte
	err     error
}

func (c *capture) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

func TestNATSPublisher(t *testing.T) {
	c := &capture{}
	p := NewNATSPublisher(c, "")
	ev := exchange.Event{Kind: exchange.EventOrderExecuted, ID: 7, Market: "ETH/USD:WETH-USDC", Amount: decimal.NewFromInt(3)}
	require.NoError(t, p.Notify(context.Background(), ev))
	assert.Equal(t, "engine.order_executed", c.subject)

	var got exchange.Event
	require.NoError(t, json.Unmarshal(c.data, &got))
	assert.Equal(t, uint64(7), got.ID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(3)))

	c.err = errors.New("down")
	assert.Error(t, p.Notify(context.Background(), ev))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("ws")
	assert.False(t, ok)
	hub := NewWSHub()
	r.Register("ws", hub)
	got, ok := r.Lookup("ws")
	require.True(t, ok)
	assert.Same(t, hub, got)
}

func TestWSHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(ctx, exchange.Event{Kind: exchange.EventDepositExecuted, ID: 1}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"kind":"deposit_executed"`)
}

func TestWSHub_DropsWhenFull(t *testing.T) {
	hub := NewWSHub()
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		require.NoError(t, hub.Notify(context.Background(), exchange.Event{Kind: exchange.EventOrderFrozen}))
	}
	assert.Len(t, hub.broadcast, cap(hub.broadcast))
}

func TestFeeLedger(t *testing.T) {
	f := NewFeeLedger(nil)
	ctx := context.Background()
	require.NoError(t, f.Pay(ctx, "keeper", decimal.RequireFromString("0.01")))
	require.NoError(t, f.Pay(ctx, "keeper", decimal.RequireFromString("0.02")))
	require.NoError(t, f.Pay(ctx, "keeper", decimal.Zero))
	assert.True(t, f.Owed("keeper").Equal(decimal.RequireFromString("0.03")))
	assert.True(t, f.Owed("nobody").IsZero())
}
