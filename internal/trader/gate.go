package trader

import (
	"errors"
	"fmt"
	"math"
	"time"

	"binance-signal-bot-go/internal/indicator"
	"binance-signal-bot-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SignalGate decides whether a fresh signal is eligible to be emitted at all,
// based on the per-(symbol, side) throttle state. A plain "not yet eligible"
// result is steady-state noise and is not traced; every signal the gate lets
// through goes to admission, whose outcome is always traced.
type SignalGate struct {
	db              *gorm.DB
	logger          *zap.Logger
	defaultInterval time.Duration
	defaultDelta    float64
}

// NewSignalGate creates a gate with the configured default thresholds.
func NewSignalGate(db *gorm.DB, defaultInterval time.Duration, defaultDelta float64, logger *zap.Logger) *SignalGate {
	return &SignalGate{
		db:              db,
		logger:          logger.Named("gate"),
		defaultInterval: defaultInterval,
		defaultDelta:    defaultDelta,
	}
}

// thresholds resolves the policy overrides against the configured defaults.
func (g *SignalGate) thresholds(policy *models.SymbolPolicy) (time.Duration, float64) {
	interval := g.defaultInterval
	if policy != nil && policy.MinIntervalSecs > 0 {
		interval = time.Duration(policy.MinIntervalSecs) * time.Second
	}
	delta := g.defaultDelta
	if policy != nil && policy.MinPriceDeltaPct > 0 {
		delta = policy.MinPriceDeltaPct
	}
	return interval, delta
}

// Evaluate reports whether the signal may be emitted. Eligible when the
// override flag is set (state or forced), on the first evaluation of a
// (symbol, side), or when both the elapsed-time and price-delta thresholds
// are met. On eligibility the throttle state is advanced: override cleared,
// price and timestamp recorded.
func (g *SignalGate) Evaluate(policy *models.SymbolPolicy, side string, snap *indicator.Snapshot, forced bool, now time.Time) (bool, string, error) {
	state, err := g.loadState(snap.Symbol, side)
	if err != nil {
		return false, "", err
	}

	minInterval, minDelta := g.thresholds(policy)

	elapsed := now.Sub(state.LastEmittedAt)
	var delta float64
	if state.LastPrice > 0 {
		delta = math.Abs(snap.Price-state.LastPrice) / state.LastPrice
	}

	eligible := false
	reason := ""
	switch {
	case forced || state.Override:
		eligible = true
		reason = "override"
	case state.LastEmittedAt.IsZero():
		eligible = true
		reason = "first evaluation"
	case elapsed >= minInterval && delta >= minDelta:
		eligible = true
		reason = fmt.Sprintf("Δt=%.0fs Δp=%.2f%%", elapsed.Seconds(), delta*100)
	default:
		reason = fmt.Sprintf("THROTTLED: Δt=%.0fs Δp=%.2f%%", elapsed.Seconds(), delta*100)
	}

	if !eligible {
		g.logger.Debug("Signal throttled",
			zap.String("symbol", snap.Symbol),
			zap.String("side", side),
			zap.String("reason", reason),
		)
		return false, reason, nil
	}

	updates := map[string]any{
		"override":        false,
		"last_price":      snap.Price,
		"last_emitted_at": now,
		"last_reason":     reason,
	}
	if err := g.db.Model(state).Updates(updates).Error; err != nil {
		return false, "", fmt.Errorf("failed to update throttle state for %s %s: %w", snap.Symbol, side, err)
	}

	g.logger.Info("Signal eligible",
		zap.String("symbol", snap.Symbol),
		zap.String("side", side),
		zap.String("reason", reason),
	)
	return true, reason, nil
}

// loadState fetches the throttle row, creating it on first evaluation.
func (g *SignalGate) loadState(symbol, side string) (*models.ThrottleState, error) {
	var state models.ThrottleState
	err := g.db.Where("symbol = ? AND side = ?", symbol, side).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = models.ThrottleState{Symbol: symbol, Side: side}
		if err := g.db.Create(&state).Error; err != nil {
			return nil, fmt.Errorf("failed to create throttle state for %s %s: %w", symbol, side, err)
		}
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load throttle state for %s %s: %w", symbol, side, err)
	}
	return &state, nil
}

// Reset clears the throttle state for a (symbol, side) so the next signal
// passes the thresholds. This is the only way state is ever discarded.
func (g *SignalGate) Reset(symbol, side string) error {
	updates := map[string]any{
		"override":        false,
		"last_price":      0,
		"last_emitted_at": time.Time{},
		"last_reason":     "",
	}
	err := g.db.Model(&models.ThrottleState{}).
		Where("symbol = ? AND side = ?", symbol, side).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to reset throttle state for %s %s: %w", symbol, side, err)
	}
	return nil
}
