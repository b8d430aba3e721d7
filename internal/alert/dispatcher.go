package alert

import (
	"context"
	"fmt"
	"time"

	"binance-signal-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Event is one human-readable notification. Kind is a short tag used in the
// formatted message ("SIGNAL", "ORDER_CREATED", "ORDER_FILLED",
// "ORDER_CANCELLED", "ADMISSION_BLOCKED", "MANUAL_INTERVENTION").
type Event struct {
	Kind    string
	Symbol  string
	Side    string
	Message string
}

func (e Event) format() string {
	if e.Side != "" {
		return fmt.Sprintf("[%s] %s %s: %s", e.Kind, e.Symbol, e.Side, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Symbol, e.Message)
}

// Sender delivers a formatted message to the external alert channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// WebhookSender posts messages to a configured webhook.
type WebhookSender struct {
	client *resty.Client
	url    string
}

var _ Sender = (*WebhookSender)(nil)

// NewWebhookSender creates a WebhookSender from config.
func NewWebhookSender(cfg *config.Alerts) *WebhookSender {
	client := resty.New().SetTimeout(time.Duration(cfg.TimeoutSecs) * time.Second)
	return &WebhookSender{client: client, url: cfg.WebhookURL}
}

// Send posts the message as a JSON payload.
func (s *WebhookSender) Send(ctx context.Context, text string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": text}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook returned status %s", resp.Status())
	}
	return nil
}

// Dispatcher queues events and delivers them on a separate goroutine so a
// slow send can never stall signal evaluation. Delivery is gated: only the
// designated production origin emits externally visible alerts; every other
// runtime instance logs the event and drops it. Alerts are advisory, so a
// failed send is logged, not retried.
type Dispatcher struct {
	sender     Sender
	logger     *zap.Logger
	queue      chan Event
	origin     string
	production string
	delivered  func(ok bool) // metrics hook, optional
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sender Sender, cfg *config.Alerts, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sender:     sender,
		logger:     logger.Named("alerts"),
		queue:      make(chan Event, cfg.QueueSize),
		origin:     cfg.Origin,
		production: cfg.ProductionOrigin,
	}
}

// SetDeliveredHook installs an optional callback invoked after each send.
func (d *Dispatcher) SetDeliveredHook(hook func(ok bool)) {
	d.delivered = hook
}

// Gated reports whether this runtime's origin is allowed to deliver.
func (d *Dispatcher) Gated() bool {
	return d.origin != d.production
}

// Notify enqueues an event. It never blocks; when the queue is full the
// event is dropped and logged.
func (d *Dispatcher) Notify(event Event) {
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Alert queue full, dropping event",
			zap.String("kind", event.Kind),
			zap.String("symbol", event.Symbol),
		)
	}
}

// Run consumes the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Alert dispatcher started",
		zap.String("origin", d.origin),
		zap.Bool("gated", d.Gated()),
	)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Alert dispatcher stopped")
			return
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	text := event.format()

	if d.Gated() {
		d.logger.Info("Alert suppressed by origin gate",
			zap.String("origin", d.origin),
			zap.String("text", text),
		)
		return
	}

	err := d.sender.Send(ctx, text)
	if d.delivered != nil {
		d.delivered(err == nil)
	}
	if err != nil {
		d.logger.Error("Failed to deliver alert", zap.String("text", text), zap.Error(err))
		return
	}
	d.logger.Debug("Alert delivered", zap.String("kind", event.Kind), zap.String("symbol", event.Symbol))
}
