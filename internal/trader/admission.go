package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/indicator"
	"binance-signal-bot-go/internal/metrics"
	"binance-signal-bot-go/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SignalEvaluation is one eligible signal handed from the gate to admission.
// It is ephemeral and never persisted.
type SignalEvaluation struct {
	Symbol   string
	Side     string
	Policy   *models.SymbolPolicy
	Snapshot *indicator.Snapshot
	Forced   bool
	At       time.Time
}

// intentKey buckets the signal identity to the minute, which is what makes a
// repeated evaluation of the same signal idempotent.
func (e *SignalEvaluation) intentKey() string {
	return fmt.Sprintf("%s|%s|%s", e.Symbol, e.Side, e.At.UTC().Format("2006-01-02T15:04"))
}

// AdmissionController runs the ordered guard chain over an eligible signal
// and creates the OrderIntent when every guard passes. Guards are ordered
// cheapest and most likely to block first. Every terminal branch, including
// the default allow, writes exactly one DecisionRecord.
type AdmissionController struct {
	db         *gorm.DB
	logger     *zap.Logger
	tracer     *decision.Tracer
	counter    *PositionCounter
	cfg        *config.Trading
	staleAfter time.Duration

	// locks serialize admission per (symbol, side); this is the critical
	// section that keeps count-then-create free of read-then-act races.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAdmissionController creates an AdmissionController.
func NewAdmissionController(db *gorm.DB, tracer *decision.Tracer, counter *PositionCounter, cfg *config.Trading, staleAfter time.Duration, logger *zap.Logger) *AdmissionController {
	return &AdmissionController{
		db:         db,
		logger:     logger.Named("admission"),
		tracer:     tracer,
		counter:    counter,
		cfg:        cfg,
		staleAfter: staleAfter,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (a *AdmissionController) lockFor(symbol, side string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := symbol + "|" + side
	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	return lock
}

// trace writes the decision record and bumps the outcome metric.
func (a *AdmissionController) trace(eval *SignalEvaluation, outcome, reason, message string, context map[string]any, intentID *uint) (*models.DecisionRecord, error) {
	metrics.Decisions.WithLabelValues(outcome, reason).Inc()
	return a.tracer.Trace(eval.Symbol, eval.Side, outcome, reason, message, context, intentID)
}

// Admit runs the guard chain. The returned DecisionRecord is always non-nil
// when err is nil; the OrderIntent is non-nil only for the ALLOWED outcome.
func (a *AdmissionController) Admit(ctx context.Context, eval *SignalEvaluation) (*models.DecisionRecord, *models.OrderIntent, error) {
	// Guard 1: trading disabled by policy.
	if eval.Policy == nil || !eval.Policy.TradingEnabled {
		record, err := a.trace(eval, models.OutcomeSkipped, decision.ReasonTradeDisabled,
			"trading disabled by policy", nil, nil)
		return record, nil, err
	}

	// A policy without a usable quantity can never produce an order; skip
	// the symbol instead of failing placement later.
	quantity := eval.Policy.TradeQuantity
	if quantity <= 0 {
		quantity = a.cfg.Quantity
	}
	if quantity <= 0 {
		record, err := a.trace(eval, models.OutcomeSkipped, decision.ReasonConfigError,
			"policy has no usable trade quantity", nil, nil)
		return record, nil, err
	}

	// Guard 2: required indicator data absent or stale.
	if eval.Snapshot == nil || eval.Snapshot.Price <= 0 {
		record, err := a.trace(eval, models.OutcomeSkipped, decision.ReasonDataMissing,
			"indicator snapshot missing or has no price", nil, nil)
		return record, nil, err
	}
	if eval.Snapshot.Stale(eval.At, a.staleAfter) {
		age := eval.At.Sub(eval.Snapshot.GeneratedAt)
		record, err := a.trace(eval, models.OutcomeSkipped, decision.ReasonDataMissing,
			fmt.Sprintf("indicator snapshot stale by %s", age.Round(time.Second)),
			map[string]any{"snapshot_age_secs": age.Seconds()}, nil)
		return record, nil, err
	}

	// The remaining guards read committed order state and may create an
	// intent; they run under the per-(symbol, side) critical section so two
	// concurrent triggers for the same signal cannot both pass.
	lock := a.lockFor(eval.Symbol, eval.Side)
	lock.Lock()
	defer lock.Unlock()

	// Dedup: at most one non-expired intent per (signal identity, bucket).
	key := eval.intentKey()
	var existing models.OrderIntent
	err := a.db.Where("intent_key = ? AND status <> ?", key, models.IntentExpired).First(&existing).Error
	if err == nil {
		record, terr := a.trace(eval, models.OutcomeSkipped, decision.ReasonDedupSkipped,
			fmt.Sprintf("intent %s already exists", key),
			map[string]any{"intent_key": key}, &existing.ID)
		return record, nil, terr
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		record, terr := a.trace(eval, models.OutcomeFailed, decision.ReasonCountCheck,
			fmt.Sprintf("intent lookup failed: %v", err), nil, nil)
		return record, nil, terr
	}

	// Guard 3: an order for this symbol was created within the cooldown.
	// A zero cooldown disables the guard.
	if cooldown := time.Duration(a.cfg.OrderCooldown) * time.Second; cooldown > 0 {
		var recent int64
		err = a.db.Model(&models.ExchangeOrder{}).
			Where("symbol = ? AND role = ? AND created_at > ?", eval.Symbol, models.RoleEntry, eval.At.Add(-cooldown)).
			Count(&recent).Error
		if err != nil {
			record, terr := a.trace(eval, models.OutcomeFailed, decision.ReasonCountCheck,
				fmt.Sprintf("cooldown check failed: %v", err), nil, nil)
			return record, nil, terr
		}
		if recent > 0 {
			record, terr := a.trace(eval, models.OutcomeSkipped, decision.ReasonCooldown,
				fmt.Sprintf("%d order(s) created within the last %s", recent, cooldown),
				map[string]any{"recent_orders": recent}, nil)
			return record, nil, terr
		}
	}

	// Guard 4: open positions at or above the cap. A failed count fails
	// closed: a missed block is worse than a missed trade.
	open, err := a.counter.OpenPositions(eval.Symbol)
	if err != nil {
		record, terr := a.trace(eval, models.OutcomeFailed, decision.ReasonCountCheck,
			fmt.Sprintf("position count unavailable, failing closed: %v", err), nil, nil)
		return record, nil, terr
	}
	metrics.OpenPositions.WithLabelValues(eval.Symbol).Set(float64(open))
	maxOpen := a.cfg.MaxOpenPositions
	if eval.Policy.MaxOpenPositions > 0 {
		maxOpen = eval.Policy.MaxOpenPositions
	}
	if maxOpen > 0 && open >= maxOpen {
		record, terr := a.trace(eval, models.OutcomeSkipped, decision.ReasonMaxOpenTrades,
			fmt.Sprintf("open positions %d at cap %d", open, maxOpen),
			map[string]any{"open": open, "cap": maxOpen}, nil)
		return record, nil, terr
	}

	// Guard 5: aggregate portfolio exposure above the configured ceiling.
	if a.cfg.PortfolioCeiling > 0 {
		exposure, err := a.counter.Exposure()
		if err != nil {
			record, terr := a.trace(eval, models.OutcomeFailed, decision.ReasonCountCheck,
				fmt.Sprintf("exposure unavailable, failing closed: %v", err), nil, nil)
			return record, nil, terr
		}
		intended := quantity * eval.Snapshot.Price
		if exposure+intended > a.cfg.PortfolioCeiling {
			record, terr := a.trace(eval, models.OutcomeSkipped, decision.ReasonGuardrail,
				fmt.Sprintf("exposure %.2f + %.2f exceeds ceiling %.2f", exposure, intended, a.cfg.PortfolioCeiling),
				map[string]any{"exposure": exposure, "intended": intended, "ceiling": a.cfg.PortfolioCeiling}, nil)
			return record, nil, terr
		}
	}

	// Default: no guard matched, allowed.
	intent := models.OrderIntent{
		IntentKey:     key,
		Symbol:        eval.Symbol,
		Side:          eval.Side,
		Quantity:      quantity,
		ClientOrderID: uuid.NewString(),
		Status:        models.IntentPending,
	}
	if err := a.db.Create(&intent).Error; err != nil {
		// The unique index is the last line of defense against a concurrent
		// creation that slipped past the lookup.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			record, terr := a.trace(eval, models.OutcomeSkipped, decision.ReasonDedupSkipped,
				fmt.Sprintf("intent %s created concurrently", key),
				map[string]any{"intent_key": key}, nil)
			return record, nil, terr
		}
		record, terr := a.trace(eval, models.OutcomeFailed, decision.ReasonCountCheck,
			fmt.Sprintf("intent creation failed: %v", err), nil, nil)
		return record, nil, terr
	}

	a.logger.Info("Signal admitted",
		zap.String("symbol", eval.Symbol),
		zap.String("side", eval.Side),
		zap.String("intent_key", key),
	)
	record, terr := a.trace(eval, models.OutcomeAllowed, decision.ReasonAllowed,
		"no guard matched, allowed by default",
		map[string]any{"intent_key": key, "price": eval.Snapshot.Price, "quantity": quantity},
		&intent.ID)
	return record, &intent, terr
}

// ExpireStaleIntents marks PENDING intents older than maxAge as EXPIRED so a
// later signal in the same bucket is not blocked by an intent that never
// received exchange confirmation.
func (a *AdmissionController) ExpireStaleIntents(maxAge time.Duration) (int64, error) {
	result := a.db.Model(&models.OrderIntent{}).
		Where("status = ? AND created_at < ?", models.IntentPending, time.Now().Add(-maxAge)).
		Update("status", models.IntentExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire stale intents: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		a.logger.Warn("Expired unconfirmed intents", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
