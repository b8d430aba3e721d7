package indicator

import (
	"context"
	"fmt"
	"time"

	"binance-signal-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Snapshot is one fresh indicator evaluation for a symbol. Threshold
// decisions are made by the provider; the core only consumes the booleans.
type Snapshot struct {
	Symbol      string             `json:"symbol"`
	Price       float64            `json:"price"`
	Fields      map[string]float64 `json:"fields"`
	BuySignal   bool               `json:"buy_signal"`
	SellSignal  bool               `json:"sell_signal"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Stale reports whether the snapshot is older than maxAge.
func (s *Snapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.GeneratedAt) > maxAge
}

// Provider returns per-symbol indicator snapshots. The concrete provider is
// an external collaborator; the core never computes indicators itself.
type Provider interface {
	Snapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// HTTPProvider fetches snapshots from the indicator service over HTTP.
type HTTPProvider struct {
	client *resty.Client
	logger *zap.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates an HTTPProvider from config.
func NewHTTPProvider(cfg *config.Indicator, logger *zap.Logger) *HTTPProvider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSecs) * time.Second)

	return &HTTPProvider{
		client: client,
		logger: logger.Named("indicator"),
	}
}

// Snapshot fetches the current snapshot for a symbol.
func (p *HTTPProvider) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	var snapshot Snapshot

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&snapshot).
		Get("/snapshot")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("snapshot request for %s failed with status %s", symbol, resp.Status())
	}

	p.logger.Debug("Fetched snapshot",
		zap.String("symbol", symbol),
		zap.Float64("price", snapshot.Price),
		zap.Bool("buy", snapshot.BuySignal),
		zap.Bool("sell", snapshot.SellSignal),
	)
	return &snapshot, nil
}
