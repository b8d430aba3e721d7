package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-signal-bot-go/internal/alert"
	"binance-signal-bot-go/internal/binance"
	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/indicator"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/policy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine drives the pipeline: a fast ticker evaluates every live symbol each
// cycle (snapshot, gate, admission, order creation), and a slow ticker runs
// the reconciliation pass and the protection catch-up sweep.
type Engine struct {
	UUID      string
	StartTime time.Time

	logger     *zap.Logger
	cfg        *config.Config
	provider   indicator.Provider
	policies   *policy.Store
	gate       *SignalGate
	admission  *AdmissionController
	lifecycle  *LifecycleManager
	reconciler *Reconciler
	alerts     *alert.Dispatcher
}

// NewEngine creates the engine over already-constructed components.
func NewEngine(cfg *config.Config, provider indicator.Provider, policies *policy.Store, gate *SignalGate, admission *AdmissionController, lifecycle *LifecycleManager, reconciler *Reconciler, alerts *alert.Dispatcher, logger *zap.Logger) *Engine {
	return &Engine{
		UUID:       uuid.NewString(),
		StartTime:  time.Now(),
		logger:     logger.Named("engine"),
		cfg:        cfg,
		provider:   provider,
		policies:   policies,
		gate:       gate,
		admission:  admission,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		alerts:     alerts,
	}
}

// Run starts both loops and blocks until the context is cancelled. The
// evaluation cadence is steady and independent of exchange latency: a slow
// cycle overlaps the next tick rather than delaying it for other symbols.
func (e *Engine) Run(ctx context.Context) {
	tick := time.Duration(e.cfg.Trading.TickInterval) * time.Second
	reconcile := time.Duration(e.cfg.Trading.ReconcileInterval) * time.Second

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	slowTicker := time.NewTicker(reconcile)
	defer slowTicker.Stop()

	e.logger.Info("Starting evaluation loop",
		zap.Duration("tick", tick),
		zap.Duration("reconcile", reconcile),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping engine...")
			return
		case <-ticker.C:
			e.evaluateAll(ctx)
		case <-slowTicker.C:
			e.reconcile(ctx)
		}
	}
}

// evaluateAll fans evaluation out across symbols with a bounded worker pool.
func (e *Engine) evaluateAll(ctx context.Context) {
	policies, err := e.policies.Live()
	if err != nil {
		e.logger.Error("Failed to list policies, skipping cycle", zap.Error(err))
		return
	}

	workers := e.cfg.Trading.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range policies {
		pol := policies[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.evaluateSymbol(ctx, &pol)
		}()
	}
	wg.Wait()
}

// evaluateSymbol runs one symbol through the pipeline for both sides.
func (e *Engine) evaluateSymbol(ctx context.Context, pol *models.SymbolPolicy) {
	l := e.logger.With(zap.String("symbol", pol.Symbol))

	timeout := time.Duration(e.cfg.Indicator.TimeoutSecs) * time.Second
	snapCtx, cancel := context.WithTimeout(ctx, timeout)
	snap, err := e.provider.Snapshot(snapCtx, pol.Symbol)
	cancel()
	if err != nil {
		// No signal was evaluated; there is nothing to admit or trace.
		// The next cycle retries.
		l.Warn("Snapshot fetch failed, skipping symbol this cycle", zap.Error(err))
		return
	}

	forced, err := e.policies.ConsumeForceSignal(pol.Symbol)
	if err != nil {
		l.Error("Failed to read force-signal override", zap.Error(err))
	}

	now := time.Now()
	sides := []struct {
		side string
		raw  bool
	}{
		{binance.OrderSideBuy, snap.BuySignal},
		{binance.OrderSideSell, snap.SellSignal},
	}

	for _, s := range sides {
		if !s.raw && !forced {
			continue // steady-state: threshold not met, nothing to gate
		}

		eligible, reason, err := e.gate.Evaluate(pol, s.side, snap, forced, now)
		if err != nil {
			l.Error("Gate evaluation failed", zap.String("side", s.side), zap.Error(err))
			continue
		}
		if !eligible {
			l.Debug("Signal not eligible", zap.String("side", s.side), zap.String("reason", reason))
			continue
		}

		e.handleEligible(ctx, pol, s.side, snap, forced, now)

		// The override fires at most one evaluation.
		forced = false
	}
}

// handleEligible admits one eligible signal and, when allowed, creates the
// entry order.
func (e *Engine) handleEligible(ctx context.Context, pol *models.SymbolPolicy, side string, snap *indicator.Snapshot, forced bool, now time.Time) {
	l := e.logger.With(zap.String("symbol", pol.Symbol), zap.String("side", side))

	if pol.AlertsEnabled(side) {
		e.alerts.Notify(alert.Event{
			Kind: "SIGNAL", Symbol: pol.Symbol, Side: side,
			Message: fmt.Sprintf("signal emitted at price %.8g", snap.Price),
		})
	}

	eval := &SignalEvaluation{
		Symbol:   pol.Symbol,
		Side:     side,
		Policy:   pol,
		Snapshot: snap,
		Forced:   forced,
		At:       now,
	}
	record, intent, err := e.admission.Admit(ctx, eval)
	if err != nil {
		l.Error("Admission failed to record its decision", zap.Error(err))
		return
	}
	if record.Outcome != models.OutcomeAllowed {
		l.Info("Signal not admitted",
			zap.String("outcome", record.Outcome),
			zap.String("reason", record.ReasonCode),
		)
		if record.Outcome == models.OutcomeFailed && pol.AlertsEnabled(side) {
			e.alerts.Notify(alert.Event{
				Kind: "ADMISSION_BLOCKED", Symbol: pol.Symbol, Side: side,
				Message: fmt.Sprintf("%s: %s", record.ReasonCode, record.Message),
			})
		}
		return
	}

	timeout := time.Duration(e.cfg.Binance.TimeoutSecs) * time.Second
	orderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := e.lifecycle.CreateEntryOrder(orderCtx, intent, pol); err != nil {
		// Recoverable: no order is assumed created, the intent expires, and
		// the idempotent client-order-id protects a retried placement.
		l.Error("Entry order creation failed", zap.Error(err))
	}
}

// reconcile runs the slow-cadence work: intent expiry, the reconciliation
// pass and the protection sweep. Failures skip the cycle, never crash it.
func (e *Engine) reconcile(ctx context.Context) {
	if _, err := e.admission.ExpireStaleIntents(time.Duration(e.cfg.Trading.IntentExpiry) * time.Second); err != nil {
		e.logger.Error("Intent expiry failed", zap.Error(err))
	}

	if err := e.reconciler.Pass(ctx); err != nil {
		e.logger.Error("Reconciliation pass failed, skipping cycle", zap.Error(err))
	}

	err := e.lifecycle.ProtectionSweep(ctx, func(symbol string) *models.SymbolPolicy {
		pol, err := e.policies.Get(symbol)
		if err != nil {
			e.logger.Warn("No policy for swept symbol, using defaults", zap.String("symbol", symbol))
			return nil
		}
		return pol
	})
	if err != nil {
		e.logger.Error("Protection sweep failed, skipping cycle", zap.Error(err))
	}
}
