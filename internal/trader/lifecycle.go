package trader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"binance-signal-bot-go/internal/alert"
	"binance-signal-bot-go/internal/binance"
	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/metrics"
	"binance-signal-bot-go/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LifecycleManager creates entry orders for admitted intents and attaches
// protective OCO exits to confirmed fills. It owns the sibling pairing
// between exit orders: cancelling one always requests cancellation of the
// other.
type LifecycleManager struct {
	client binance.Client
	db     *gorm.DB
	logger *zap.Logger
	tracer *decision.Tracer
	alerts *alert.Dispatcher
	cfg    *config.Trading
}

// NewLifecycleManager creates a LifecycleManager.
func NewLifecycleManager(client binance.Client, db *gorm.DB, tracer *decision.Tracer, alerts *alert.Dispatcher, cfg *config.Trading, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		client: client,
		db:     db,
		logger: logger.Named("lifecycle"),
		tracer: tracer,
		alerts: alerts,
		cfg:    cfg,
	}
}

// CreateEntryOrder places the entry order for an admitted intent. The
// configured trading mode is attempted first; an authentication failure on a
// margin placement is retried once as spot. The fallback is scoped strictly
// to auth failures so real rejections are never masked.
func (m *LifecycleManager) CreateEntryOrder(ctx context.Context, intent *models.OrderIntent, policy *models.SymbolPolicy) (*models.ExchangeOrder, error) {
	mode := models.ModeSpot
	if policy.UseMargin {
		mode = models.ModeMargin
	}

	l := m.logger.With(
		zap.String("symbol", intent.Symbol),
		zap.String("side", intent.Side),
		zap.String("client_order_id", intent.ClientOrderID),
		zap.String("mode", mode),
	)

	if m.cfg.DryRun {
		l.Warn("Dry run enabled. No real order will be placed.")
		return m.recordOrder(intent, mode, &binance.OrderResponse{
			Symbol:       intent.Symbol,
			OrderID:      time.Now().UnixNano(),
			Side:         intent.Side,
			Status:       models.OrderStatusNew,
			OrigQuantity: strconv.FormatFloat(intent.Quantity, 'f', -1, 64),
		})
	}

	req := &binance.PlaceOrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          binance.OrderTypeMarket,
		Quantity:      intent.Quantity,
		Margin:        policy.UseMargin,
		ClientOrderID: intent.ClientOrderID,
	}

	resp, err := m.client.PlaceOrder(ctx, req)
	if err != nil && policy.UseMargin && binance.IsAuthError(err) {
		// One-shot spot fallback. The client-order-id is reused: the margin
		// placement was rejected before an order existed.
		l.Warn("Margin placement failed with auth error, retrying as spot", zap.Error(err))
		metrics.OrderFallbacks.Inc()
		req.Margin = false
		mode = models.ModeSpot
		resp, err = m.client.PlaceOrder(ctx, req)
		if err == nil {
			_, terr := m.tracer.Trace(intent.Symbol, intent.Side, models.OutcomeAllowed, decision.ReasonAllowed,
				"margin auth failed, entry placed via spot fallback",
				map[string]any{"fallback": "margin_to_spot", "client_order_id": intent.ClientOrderID},
				&intent.ID)
			if terr != nil {
				l.Error("Failed to trace fallback note", zap.Error(terr))
			}
		}
	}
	if err != nil {
		reason := decision.ReasonExchangeError
		if binance.IsAuthError(err) {
			reason = decision.ReasonExchangeAuth
		}
		if _, terr := m.tracer.Trace(intent.Symbol, intent.Side, models.OutcomeFailed, reason,
			fmt.Sprintf("entry placement failed: %v", err), nil, &intent.ID); terr != nil {
			l.Error("Failed to trace placement failure", zap.Error(terr))
		}
		m.alerts.Notify(alert.Event{
			Kind: "ADMISSION_BLOCKED", Symbol: intent.Symbol, Side: intent.Side,
			Message: fmt.Sprintf("entry placement failed: %v", err),
		})
		return nil, fmt.Errorf("failed to place entry order for %s: %w", intent.Symbol, err)
	}

	order, rerr := m.recordOrder(intent, mode, resp)
	if rerr != nil {
		return nil, rerr
	}
	l.Info("Entry order created", zap.Int64("order_id", order.ExchangeID), zap.String("final_mode", mode))
	m.alerts.Notify(alert.Event{
		Kind: "ORDER_CREATED", Symbol: intent.Symbol, Side: intent.Side,
		Message: fmt.Sprintf("entry order %d created (%s)", order.ExchangeID, mode),
	})
	return order, nil
}

// recordOrder mirrors the placement response locally and confirms the intent.
func (m *LifecycleManager) recordOrder(intent *models.OrderIntent, mode string, resp *binance.OrderResponse) (*models.ExchangeOrder, error) {
	qty, _ := strconv.ParseFloat(resp.OrigQuantity, 64)
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)

	order := models.ExchangeOrder{
		ExchangeID:    resp.OrderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        normalizeStatus(resp.Status),
		Quantity:      qty,
		ExecutedQty:   executed,
		Price:         price,
		Mode:          mode,
		Role:          models.RoleEntry,
		IntentID:      &intent.ID,
	}
	if err := m.db.Create(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to record entry order %d: %w", resp.OrderID, err)
	}
	if err := m.db.Model(intent).Update("status", models.IntentConfirmed).Error; err != nil {
		return nil, fmt.Errorf("failed to confirm intent %s: %w", intent.IntentKey, err)
	}
	metrics.Orders.WithLabelValues(mode, intent.Side, models.RoleEntry).Inc()
	return &order, nil
}

// protectionPrices derives the stop-loss and take-profit prices from the fill
// price. AGGRESSIVE mode widens both bands by the configured factor.
func (m *LifecycleManager) protectionPrices(entry *models.ExchangeOrder, policy *models.SymbolPolicy) (stop, take float64) {
	price := decimal.NewFromFloat(entry.Price)
	slPct := decimal.NewFromFloat(m.cfg.StopLossPct)
	tpPct := decimal.NewFromFloat(m.cfg.TakeProfitPct)
	if policy != nil && policy.ProtectionMode == models.ProtectionAggressive {
		factor := decimal.NewFromFloat(m.cfg.AggressiveFactor)
		slPct = slPct.Mul(factor)
		tpPct = tpPct.Mul(factor)
	}

	one := decimal.NewFromInt(1)
	if entry.Side == binance.OrderSideBuy {
		stop, _ = price.Mul(one.Sub(slPct)).Float64()
		take, _ = price.Mul(one.Add(tpPct)).Float64()
	} else {
		stop, _ = price.Mul(one.Add(slPct)).Float64()
		take, _ = price.Mul(one.Sub(tpPct)).Float64()
	}
	return stop, take
}

// AttachProtection places the stop-loss/take-profit OCO pair for a confirmed
// fill and links the siblings bidirectionally.
func (m *LifecycleManager) AttachProtection(ctx context.Context, entry *models.ExchangeOrder, policy *models.SymbolPolicy) (*models.ExchangeOrder, *models.ExchangeOrder, error) {
	if entry.Price <= 0 || entry.ExecutedQty <= 0 {
		return nil, nil, fmt.Errorf("entry order %d has no usable fill price or quantity", entry.ExchangeID)
	}

	exitSide := binance.OrderSideSell
	if entry.Side == binance.OrderSideSell {
		exitSide = binance.OrderSideBuy
	}
	stopPrice, takePrice := m.protectionPrices(entry, policy)

	l := m.logger.With(
		zap.String("symbol", entry.Symbol),
		zap.Int64("entry_id", entry.ExchangeID),
		zap.Float64("stop", stopPrice),
		zap.Float64("take", takePrice),
	)

	stopOrder, err := m.placeExit(ctx, entry, exitSide, binance.OrderTypeStopLoss, stopPrice, models.RoleStopLoss)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to place stop-loss for entry %d: %w", entry.ExchangeID, err)
	}
	takeOrder, err := m.placeExit(ctx, entry, exitSide, binance.OrderTypeTakeProfit, takePrice, models.RoleTakeProfit)
	if err != nil {
		// The pair must exist whole or not at all; unwind the stop-loss.
		l.Error("Take-profit placement failed, unwinding stop-loss", zap.Error(err))
		if cerr := m.CancelWithSibling(ctx, stopOrder); cerr != nil {
			l.Error("Failed to unwind stop-loss", zap.Error(cerr))
		}
		return nil, nil, fmt.Errorf("failed to place take-profit for entry %d: %w", entry.ExchangeID, err)
	}

	// Link the OCO pair both ways and mark the entry protected.
	if err := m.db.Model(stopOrder).Update("sibling_id", takeOrder.ID).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to link stop-loss sibling: %w", err)
	}
	if err := m.db.Model(takeOrder).Update("sibling_id", stopOrder.ID).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to link take-profit sibling: %w", err)
	}
	if err := m.db.Model(entry).Update("protected", true).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to mark entry %d protected: %w", entry.ExchangeID, err)
	}

	l.Info("Protection attached")
	m.alerts.Notify(alert.Event{
		Kind: "ORDER_FILLED", Symbol: entry.Symbol, Side: entry.Side,
		Message: fmt.Sprintf("entry %d filled, protection attached (SL %.8g / TP %.8g)", entry.ExchangeID, stopPrice, takePrice),
	})
	return stopOrder, takeOrder, nil
}

func (m *LifecycleManager) placeExit(ctx context.Context, entry *models.ExchangeOrder, side, orderType string, price float64, role string) (*models.ExchangeOrder, error) {
	clientID := uuid.NewString()

	var resp *binance.OrderResponse
	var err error
	if m.cfg.DryRun {
		resp = &binance.OrderResponse{
			Symbol:       entry.Symbol,
			OrderID:      time.Now().UnixNano(),
			Side:         side,
			Status:       models.OrderStatusNew,
			Price:        strconv.FormatFloat(price, 'f', -1, 64),
			OrigQuantity: strconv.FormatFloat(entry.ExecutedQty, 'f', -1, 64),
		}
	} else {
		resp, err = m.client.PlaceOrder(ctx, &binance.PlaceOrderRequest{
			Symbol:        entry.Symbol,
			Side:          side,
			Type:          orderType,
			Quantity:      entry.ExecutedQty,
			Price:         price,
			StopPrice:     price,
			Margin:        entry.Mode == models.ModeMargin,
			ClientOrderID: clientID,
		})
		if err != nil {
			return nil, err
		}
	}

	order := models.ExchangeOrder{
		ExchangeID:    resp.OrderID,
		ClientOrderID: clientID,
		Symbol:        entry.Symbol,
		Side:          side,
		Status:        normalizeStatus(resp.Status),
		Quantity:      entry.ExecutedQty,
		Price:         price,
		Mode:          entry.Mode,
		Role:          role,
	}
	if err := m.db.Create(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to record %s order %d: %w", role, resp.OrderID, err)
	}
	metrics.Orders.WithLabelValues(entry.Mode, side, role).Inc()
	return &order, nil
}

// CancelWithSibling cancels an order and its OCO sibling. The exchange may
// have already resolved either leg, so "unknown order" is success for both.
func (m *LifecycleManager) CancelWithSibling(ctx context.Context, order *models.ExchangeOrder) error {
	if err := m.cancelOne(ctx, order); err != nil {
		return err
	}
	if order.SiblingID == nil {
		return nil
	}

	var sibling models.ExchangeOrder
	if err := m.db.First(&sibling, *order.SiblingID).Error; err != nil {
		return fmt.Errorf("failed to load sibling of order %d: %w", order.ExchangeID, err)
	}
	if sibling.Terminal() {
		return nil
	}
	return m.cancelOne(ctx, &sibling)
}

func (m *LifecycleManager) cancelOne(ctx context.Context, order *models.ExchangeOrder) error {
	if !m.cfg.DryRun {
		err := m.client.CancelOrder(ctx, order.Symbol, order.ExchangeID)
		if err != nil && !binance.IsUnknownOrder(err) {
			return fmt.Errorf("failed to cancel order %d: %w", order.ExchangeID, err)
		}
		if err != nil {
			m.logger.Info("Order already resolved on exchange, treating cancel as success",
				zap.Int64("order_id", order.ExchangeID))
		}
	}
	if err := m.db.Model(order).Update("status", models.OrderStatusCancelled).Error; err != nil {
		return fmt.Errorf("failed to mark order %d cancelled: %w", order.ExchangeID, err)
	}
	m.alerts.Notify(alert.Event{
		Kind: "ORDER_CANCELLED", Symbol: order.Symbol, Side: order.Side,
		Message: fmt.Sprintf("%s order %d cancelled", order.Role, order.ExchangeID),
	})
	return nil
}

// ProtectionSweep scans recent fills that never received protective orders.
// The immediate attach path can be missed under reconciliation races, so the
// sweep is the catch-up. Fills younger than the auto-protect age get
// protection automatically; older ones only raise a manual-intervention
// alert, because the price basis has gone stale.
func (m *LifecycleManager) ProtectionSweep(ctx context.Context, policyFor func(symbol string) *models.SymbolPolicy) error {
	lookback := time.Duration(m.cfg.ProtectLookback) * time.Second
	maxAge := time.Duration(m.cfg.AutoProtectAge) * time.Second
	now := time.Now()

	var unprotected []models.ExchangeOrder
	err := m.db.Where("role = ? AND status = ? AND protected = ? AND manual_flagged = ? AND updated_at > ?",
		models.RoleEntry, models.OrderStatusFilled, false, false, now.Add(-lookback)).
		Find(&unprotected).Error
	if err != nil {
		return fmt.Errorf("failed to scan unprotected fills: %w", err)
	}

	for i := range unprotected {
		entry := &unprotected[i]
		age := now.Sub(entry.UpdatedAt)
		if age > maxAge {
			m.logger.Warn("Unprotected fill too old for automatic protection",
				zap.Int64("order_id", entry.ExchangeID),
				zap.Duration("age", age),
			)
			m.alerts.Notify(alert.Event{
				Kind: "MANUAL_INTERVENTION", Symbol: entry.Symbol, Side: entry.Side,
				Message: fmt.Sprintf("fill %d is %s old and unprotected; attach exits manually", entry.ExchangeID, age.Round(time.Minute)),
			})
			if err := m.db.Model(entry).Update("manual_flagged", true).Error; err != nil {
				m.logger.Error("Failed to flag fill for manual intervention", zap.Error(err))
			}
			continue
		}
		if _, _, err := m.AttachProtection(ctx, entry, policyFor(entry.Symbol)); err != nil {
			m.logger.Error("Protection sweep failed to attach exits",
				zap.Int64("order_id", entry.ExchangeID), zap.Error(err))
		}
	}
	return nil
}

// normalizeStatus maps exchange status spellings onto the local constants.
func normalizeStatus(status string) string {
	switch status {
	case "CANCELED", "REJECTED", "EXPIRED":
		return models.OrderStatusCancelled
	case "":
		return models.OrderStatusNew
	default:
		return status
	}
}
