package alert

import (
	"context"
	"testing"

	"binance-signal-bot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSender struct {
	sent []string
	err  error
}

func (s *recordingSender) Send(ctx context.Context, text string) error {
	s.sent = append(s.sent, text)
	return s.err
}

func newDispatcher(origin, production string, sender Sender) *Dispatcher {
	cfg := &config.Alerts{Origin: origin, ProductionOrigin: production, QueueSize: 4}
	return NewDispatcher(sender, cfg, zap.NewNop())
}

func TestOriginGateSuppressesDelivery(t *testing.T) {
	sender := &recordingSender{}
	d := newDispatcher("staging", "prod", sender)

	require.True(t, d.Gated())
	d.deliver(context.Background(), Event{Kind: "SIGNAL", Symbol: "BTCUSDT", Side: "BUY", Message: "buy signal"})

	assert.Empty(t, sender.sent, "a non-production origin must never reach the sender")
}

func TestProductionOriginDelivers(t *testing.T) {
	sender := &recordingSender{}
	d := newDispatcher("prod", "prod", sender)

	require.False(t, d.Gated())
	d.deliver(context.Background(), Event{Kind: "ORDER_CREATED", Symbol: "BTCUSDT", Side: "BUY", Message: "entry order 42 created (SPOT)"})

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "[ORDER_CREATED] BTCUSDT BUY: entry order 42 created (SPOT)", sender.sent[0])
}

func TestDeliveredHookReportsSendOutcome(t *testing.T) {
	sender := &recordingSender{err: assert.AnError}
	d := newDispatcher("prod", "prod", sender)

	var outcomes []bool
	d.SetDeliveredHook(func(ok bool) { outcomes = append(outcomes, ok) })

	d.deliver(context.Background(), Event{Kind: "ORDER_FILLED", Symbol: "BTCUSDT", Message: "filled"})
	sender.err = nil
	d.deliver(context.Background(), Event{Kind: "ORDER_FILLED", Symbol: "BTCUSDT", Message: "filled"})

	assert.Equal(t, []bool{false, true}, outcomes)
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	d := newDispatcher("staging", "prod", &recordingSender{})

	// Queue size is 4 and nothing is draining it.
	for i := 0; i < 10; i++ {
		d.Notify(Event{Kind: "SIGNAL", Symbol: "BTCUSDT", Message: "overflow"})
	}

	assert.Len(t, d.queue, 4)
}

func TestEventFormatOmitsEmptySide(t *testing.T) {
	withSide := Event{Kind: "SIGNAL", Symbol: "BTCUSDT", Side: "SELL", Message: "m"}
	withoutSide := Event{Kind: "MANUAL_INTERVENTION", Symbol: "BTCUSDT", Message: "m"}

	assert.Equal(t, "[SIGNAL] BTCUSDT SELL: m", withSide.format())
	assert.Equal(t, "[MANUAL_INTERVENTION] BTCUSDT: m", withoutSide.format())
}
