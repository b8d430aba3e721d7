package trader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"binance-signal-bot-go/internal/alert"
	"binance-signal-bot-go/internal/binance"
	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestDB opens a fresh in-memory database per test. The named shared-cache
// DSN keeps gorm's connection pool pointed at one database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.SymbolPolicy{},
		&models.ThrottleState{},
		&models.DecisionRecord{},
		&models.OrderIntent{},
		&models.ExchangeOrder{},
	))
	return db
}

// newTestDispatcher returns a dispatcher whose origin is not the production
// origin, so nothing is ever sent externally from tests.
func newTestDispatcher() *alert.Dispatcher {
	cfg := &config.Alerts{Origin: "test", ProductionOrigin: "prod", QueueSize: 16}
	return alert.NewDispatcher(nil, cfg, zap.NewNop())
}

// fakeClient implements binance.Client with pluggable behavior.
type fakeClient struct {
	placeFn      func(ctx context.Context, req *binance.PlaceOrderRequest) (*binance.OrderResponse, error)
	cancelFn     func(ctx context.Context, symbol string, orderID int64) error
	getOrderFn   func(ctx context.Context, symbol string, orderID int64) (*binance.OrderResponse, error)
	openOrdersFn func(ctx context.Context, symbol string) ([]binance.OrderResponse, error)
	historyFn    func(ctx context.Context, symbol string, fromID int64, limit int) ([]binance.OrderResponse, error)
}

var _ binance.Client = (*fakeClient)(nil)

func (f *fakeClient) GetServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req *binance.PlaceOrderRequest) (*binance.OrderResponse, error) {
	if f.placeFn == nil {
		return nil, fmt.Errorf("unexpected PlaceOrder call")
	}
	return f.placeFn(ctx, req)
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if f.cancelFn == nil {
		return nil
	}
	return f.cancelFn(ctx, symbol, orderID)
}

func (f *fakeClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*binance.OrderResponse, error) {
	if f.getOrderFn == nil {
		return nil, fmt.Errorf("unexpected GetOrder call")
	}
	return f.getOrderFn(ctx, symbol, orderID)
}

func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]binance.OrderResponse, error) {
	if f.openOrdersFn == nil {
		return nil, nil
	}
	return f.openOrdersFn(ctx, symbol)
}

func (f *fakeClient) GetOrderHistory(ctx context.Context, symbol string, fromID int64, limit int) ([]binance.OrderResponse, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, symbol, fromID, limit)
}
