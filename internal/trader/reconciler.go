package trader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"binance-signal-bot-go/internal/binance"
	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/metrics"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/policy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const historyPageSize = 500

// Reconciler keeps the local order mirror consistent with the exchange's
// authoritative order/fill history despite partial failures and out-of-order
// updates. Within a pass, order history always syncs before open orders: an
// order that just filled can transiently still appear in the open listing,
// and seeing the fill first suppresses a wrong cancellation determination.
type Reconciler struct {
	client    binance.Client
	db        *gorm.DB
	logger    *zap.Logger
	policies  *policy.Store
	lifecycle *LifecycleManager
	cfg       *config.Trading

	// sleep is swapped in tests to skip the settle delay.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a Reconciler.
func NewReconciler(client binance.Client, db *gorm.DB, policies *policy.Store, lifecycle *LifecycleManager, cfg *config.Trading, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		client:    client,
		db:        db,
		logger:    logger.Named("reconciler"),
		policies:  policies,
		lifecycle: lifecycle,
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pass runs one full reconciliation: history first, then open orders, then
// the spurious-cancellation check for anything the open-order sync flagged.
func (r *Reconciler) Pass(ctx context.Context) error {
	if err := r.SyncOrderHistory(ctx); err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return fmt.Errorf("order history sync failed: %w", err)
	}
	suspects, err := r.SyncOpenOrders(ctx)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return fmt.Errorf("open order sync failed: %w", err)
	}
	if err := r.ResolveSpuriousCancellations(ctx, suspects); err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return fmt.Errorf("cancellation resolution failed: %w", err)
	}
	metrics.ReconcilePasses.WithLabelValues("ok").Inc()
	return nil
}

// SyncOrderHistory pulls paginated order history for every live symbol and
// applies status transitions to the local mirror. Entry fills discovered here
// get protection attached immediately (the low-latency path).
func (r *Reconciler) SyncOrderHistory(ctx context.Context) error {
	policies, err := r.policies.Live()
	if err != nil {
		return err
	}

	for i := range policies {
		pol := &policies[i]
		if err := r.syncSymbolHistory(ctx, pol); err != nil {
			// One symbol failing must not stall the sweep for the rest.
			r.logger.Error("History sync failed for symbol, skipping this cycle",
				zap.String("symbol", pol.Symbol), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) syncSymbolHistory(ctx context.Context, pol *models.SymbolPolicy) error {
	// Page from the oldest order that can still change state, so a late fill
	// of an old open order is never missed. With nothing open, resume from
	// the newest mirrored id.
	var fromID int64
	err := r.db.Model(&models.ExchangeOrder{}).
		Where("symbol = ? AND status IN ?", pol.Symbol,
			[]string{models.OrderStatusNew, models.OrderStatusPartiallyFilled}).
		Select("COALESCE(MIN(exchange_id), 0)").
		Scan(&fromID).Error
	if err != nil {
		return fmt.Errorf("failed to find sync cursor: %w", err)
	}
	if fromID == 0 {
		err = r.db.Model(&models.ExchangeOrder{}).
			Where("symbol = ?", pol.Symbol).
			Select("COALESCE(MAX(exchange_id), 0)").
			Scan(&fromID).Error
		if err != nil {
			return fmt.Errorf("failed to find sync cursor: %w", err)
		}
	}

	for {
		page, err := r.client.GetOrderHistory(ctx, pol.Symbol, fromID, historyPageSize)
		if err != nil {
			return err
		}
		for i := range page {
			if err := r.applyRemote(ctx, pol, &page[i]); err != nil {
				r.logger.Error("Failed to apply remote order",
					zap.Int64("order_id", page[i].OrderID), zap.Error(err))
			}
			if page[i].OrderID >= fromID {
				fromID = page[i].OrderID + 1
			}
		}
		if len(page) < historyPageSize {
			return nil
		}
	}
}

// applyRemote upserts one remote order into the mirror and reacts to fills.
func (r *Reconciler) applyRemote(ctx context.Context, pol *models.SymbolPolicy, remote *binance.OrderResponse) error {
	status := normalizeStatus(remote.Status)
	executed, _ := strconv.ParseFloat(remote.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(remote.Price, 64)

	var local models.ExchangeOrder
	err := r.db.Where("exchange_id = ?", remote.OrderID).First(&local).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First observed via reconciliation, e.g. placed before a restart.
		qty, _ := strconv.ParseFloat(remote.OrigQuantity, 64)
		local = models.ExchangeOrder{
			ExchangeID:    remote.OrderID,
			ClientOrderID: remote.ClientOrderID,
			Symbol:        remote.Symbol,
			Side:          remote.Side,
			Status:        status,
			Quantity:      qty,
			ExecutedQty:   executed,
			Price:         price,
			Role:          roleFromType(remote.Type),
		}
		if err := r.db.Create(&local).Error; err != nil {
			return fmt.Errorf("failed to mirror order %d: %w", remote.OrderID, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to load order %d: %w", remote.OrderID, err)
	}

	filledNow := status == models.OrderStatusFilled && local.Status != models.OrderStatusFilled
	if local.Status != status || local.ExecutedQty != executed {
		updates := map[string]any{"status": status, "executed_qty": executed}
		if price > 0 {
			updates["price"] = price
		}
		if err := r.db.Model(&local).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update order %d: %w", remote.OrderID, err)
		}
		local.Status = status
		local.ExecutedQty = executed
		if price > 0 {
			local.Price = price
		}
	}

	// A protective leg that filled or was cancelled takes its sibling down.
	if local.Role != models.RoleEntry && local.Terminal() && local.SiblingID != nil {
		var sibling models.ExchangeOrder
		if err := r.db.First(&sibling, *local.SiblingID).Error; err == nil && sibling.Open() {
			if err := r.lifecycle.CancelWithSibling(ctx, &sibling); err != nil {
				r.logger.Error("Failed to cancel OCO sibling",
					zap.Int64("order_id", sibling.ExchangeID), zap.Error(err))
			}
		}
	}

	// Immediate protection path for freshly observed entry fills.
	if filledNow && local.Role == models.RoleEntry && !local.Protected {
		if _, _, err := r.lifecycle.AttachProtection(ctx, &local, pol); err != nil {
			r.logger.Error("Immediate protection attach failed, the sweep will retry",
				zap.Int64("order_id", local.ExchangeID), zap.Error(err))
		}
	}
	return nil
}

// SyncOpenOrders lists what the exchange still considers open and returns the
// local open orders it no longer lists. These are only suspects: history ran
// first, so a fill already observed never reaches this set, and the rest get
// the two-read confirmation before any cancellation determination.
func (r *Reconciler) SyncOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	policies, err := r.policies.Live()
	if err != nil {
		return nil, err
	}

	var suspects []models.ExchangeOrder
	for i := range policies {
		symbol := policies[i].Symbol
		remote, err := r.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			r.logger.Error("Open order sync failed for symbol, skipping this cycle",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		openRemote := make(map[int64]struct{}, len(remote))
		for _, o := range remote {
			openRemote[o.OrderID] = struct{}{}
		}

		var openLocal []models.ExchangeOrder
		err = r.db.Where("symbol = ? AND status IN ?", symbol,
			[]string{models.OrderStatusNew, models.OrderStatusPartiallyFilled}).
			Find(&openLocal).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list local open orders for %s: %w", symbol, err)
		}
		for _, local := range openLocal {
			if _, stillOpen := openRemote[local.ExchangeID]; !stillOpen {
				suspects = append(suspects, local)
			}
		}
	}
	return suspects, nil
}

// ResolveSpuriousCancellations re-reads each suspect after a settling delay
// and requires two consistent observations of a terminal non-filled state
// before concluding CANCELLED. A fill observed on either read wins; two reads
// that disagree are surfaced as an ambiguous event and left for the next pass.
func (r *Reconciler) ResolveSpuriousCancellations(ctx context.Context, suspects []models.ExchangeOrder) error {
	settle := time.Duration(r.cfg.SettleDelay) * time.Second
	for i := range suspects {
		local := &suspects[i]
		if err := r.sleep(ctx, settle); err != nil {
			return err
		}
		first, err := r.client.GetOrder(ctx, local.Symbol, local.ExchangeID)
		if err != nil {
			r.logger.Error("Suspect re-read failed, skipping this cycle",
				zap.Int64("order_id", local.ExchangeID), zap.Error(err))
			continue
		}
		if err := r.sleep(ctx, settle); err != nil {
			return err
		}
		second, err := r.client.GetOrder(ctx, local.Symbol, local.ExchangeID)
		if err != nil {
			r.logger.Error("Suspect re-read failed, skipping this cycle",
				zap.Int64("order_id", local.ExchangeID), zap.Error(err))
			continue
		}

		firstStatus := normalizeStatus(first.Status)
		secondStatus := normalizeStatus(second.Status)

		switch {
		case firstStatus == models.OrderStatusFilled || secondStatus == models.OrderStatusFilled:
			// The open listing was a read race against a fill.
			executed, _ := strconv.ParseFloat(second.ExecutedQty, 64)
			updates := map[string]any{"status": models.OrderStatusFilled, "executed_qty": executed}
			if err := r.db.Model(local).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to mark order %d filled: %w", local.ExchangeID, err)
			}
			r.logger.Info("Suppressed spurious cancellation, order actually filled",
				zap.Int64("order_id", local.ExchangeID))
		case firstStatus == models.OrderStatusCancelled && secondStatus == models.OrderStatusCancelled:
			if err := r.db.Model(local).Update("status", models.OrderStatusCancelled).Error; err != nil {
				return fmt.Errorf("failed to mark order %d cancelled: %w", local.ExchangeID, err)
			}
			r.logger.Info("Confirmed cancellation after two consistent reads",
				zap.Int64("order_id", local.ExchangeID))
		default:
			metrics.ReconcileAmbiguous.Inc()
			r.logger.Warn("Order state ambiguous after settle delay, leaving for next pass",
				zap.Int64("order_id", local.ExchangeID),
				zap.String("first", firstStatus),
				zap.String("second", secondStatus),
			)
		}
	}
	return nil
}

// roleFromType classifies a remote order type into a local role.
func roleFromType(orderType string) string {
	switch orderType {
	case binance.OrderTypeStopLoss:
		return models.RoleStopLoss
	case binance.OrderTypeTakeProfit:
		return models.RoleTakeProfit
	default:
		return models.RoleEntry
	}
}
