package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/indicator"
	"binance-signal-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestAdmission(t *testing.T, db *gorm.DB, cfg *config.Trading) *AdmissionController {
	t.Helper()
	tracer := decision.NewTracer(db, zap.NewNop())
	counter := NewPositionCounter(db, zap.NewNop())
	return NewAdmissionController(db, tracer, counter, cfg, 90*time.Second, zap.NewNop())
}

func defaultTradingConfig() *config.Trading {
	return &config.Trading{
		Exchange:         "BINANCE",
		Quantity:         1.0,
		OrderCooldown:    120,
		MaxOpenPositions: 3,
	}
}

func newEval(policy *models.SymbolPolicy, at time.Time) *SignalEvaluation {
	return &SignalEvaluation{
		Symbol: "BTCUSDT",
		Side:   "BUY",
		Policy: policy,
		Snapshot: &indicator.Snapshot{
			Symbol:      "BTCUSDT",
			Price:       100,
			GeneratedAt: at,
		},
		At: at,
	}
}

func enabledPolicy() *models.SymbolPolicy {
	return &models.SymbolPolicy{
		Symbol:         "BTCUSDT",
		Exchange:       "BINANCE",
		TradingEnabled: true,
		TradeQuantity:  1.0,
	}
}

func countDecisions(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.DecisionRecord{}).Count(&n).Error)
	return n
}

func TestAdmitDedupWithinSameBucket(t *testing.T) {
	db := newTestDB(t)
	controller := newTestAdmission(t, db, defaultTradingConfig())
	at := time.Date(2025, 6, 1, 12, 30, 10, 0, time.UTC)

	first, intent, err := controller.Admit(context.Background(), newEval(enabledPolicy(), at))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, models.OutcomeAllowed, first.Outcome)

	// Same signal identity, same minute bucket: no second intent.
	second, dup, err := controller.Admit(context.Background(), newEval(enabledPolicy(), at.Add(20*time.Second)))
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.Equal(t, models.OutcomeSkipped, second.Outcome)
	assert.Equal(t, decision.ReasonDedupSkipped, second.ReasonCode)

	var intents int64
	require.NoError(t, db.Model(&models.OrderIntent{}).Count(&intents).Error)
	assert.Equal(t, int64(1), intents)
}

func TestAdmitNextBucketCreatesNewIntent(t *testing.T) {
	db := newTestDB(t)
	cfg := defaultTradingConfig()
	cfg.OrderCooldown = 0 // isolate bucketing from the cooldown guard
	controller := newTestAdmission(t, db, cfg)
	at := time.Date(2025, 6, 1, 12, 30, 59, 0, time.UTC)

	_, first, err := controller.Admit(context.Background(), newEval(enabledPolicy(), at))
	require.NoError(t, err)
	require.NotNil(t, first)

	_, second, err := controller.Admit(context.Background(), newEval(enabledPolicy(), at.Add(2*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.IntentKey, second.IntentKey)
}

func TestAdmitConcurrentTriggersYieldOneIntent(t *testing.T) {
	db := newTestDB(t)
	controller := newTestAdmission(t, db, defaultTradingConfig())
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	// A scheduled tick and a manual-force tick firing close together.
	var wg sync.WaitGroup
	allowed := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, _, err := controller.Admit(context.Background(), newEval(enabledPolicy(), at))
			assert.NoError(t, err)
			if record != nil && record.Outcome == models.OutcomeAllowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	assert.Len(t, allowed, 1, "exactly one trigger may win")
	var intents int64
	require.NoError(t, db.Model(&models.OrderIntent{}).Count(&intents).Error)
	assert.Equal(t, int64(1), intents)
}

func TestAdmitGuardChain(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name    string
		setup   func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation)
		outcome string
		reason  string
	}{
		{
			name: "Trading disabled",
			setup: func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation) {
				eval.Policy.TradingEnabled = false
			},
			outcome: models.OutcomeSkipped,
			reason:  decision.ReasonTradeDisabled,
		},
		{
			name: "No usable quantity anywhere",
			setup: func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation) {
				eval.Policy.TradeQuantity = 0
				cfg.Quantity = 0
			},
			outcome: models.OutcomeSkipped,
			reason:  decision.ReasonConfigError,
		},
		{
			name: "Missing snapshot",
			setup: func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation) {
				eval.Snapshot = nil
			},
			outcome: models.OutcomeSkipped,
			reason:  decision.ReasonDataMissing,
		},
		{
			name: "Stale snapshot",
			setup: func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation) {
				eval.Snapshot.GeneratedAt = at.Add(-10 * time.Minute)
			},
			outcome: models.OutcomeSkipped,
			reason:  decision.ReasonDataMissing,
		},
		{
			name: "Recent order cooldown",
			setup: func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation) {
				require.NoError(t, db.Create(&models.ExchangeOrder{
					ExchangeID: 99, Symbol: "BTCUSDT", Side: "BUY",
					Role: models.RoleEntry, Status: models.OrderStatusNew,
				}).Error)
			},
			outcome: models.OutcomeSkipped,
			reason:  decision.ReasonCooldown,
		},
		{
			name: "Default allow",
			setup: func(t *testing.T, db *gorm.DB, cfg *config.Trading, eval *SignalEvaluation) {
			},
			outcome: models.OutcomeAllowed,
			reason:  decision.ReasonAllowed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			cfg := defaultTradingConfig()
			controller := newTestAdmission(t, db, cfg)
			eval := newEval(enabledPolicy(), at)
			tc.setup(t, db, cfg, eval)

			record, _, err := controller.Admit(context.Background(), eval)

			require.NoError(t, err)
			assert.Equal(t, tc.outcome, record.Outcome)
			assert.Equal(t, tc.reason, record.ReasonCode)
			// No silent decisions: every branch writes exactly one record.
			assert.Equal(t, int64(1), countDecisions(t, db))
		})
	}
}

func TestAdmitMaxOpenTradesScenario(t *testing.T) {
	// Symbol at its cap of 3: three entry fills net to 3 positions by
	// quantity, so a fourth eligible BUY signal must be skipped.
	db := newTestDB(t)
	cfg := defaultTradingConfig()
	cfg.OrderCooldown = 0
	controller := newTestAdmission(t, db, cfg)

	seedFill(t, db, 1, "BTCUSDT", "BUY", models.RoleEntry, 1.0, 100)
	seedFill(t, db, 2, "BTCUSDT", "BUY", models.RoleEntry, 1.0, 101)
	seedFill(t, db, 3, "BTCUSDT", "BUY", models.RoleEntry, 1.0, 102)

	record, intent, err := controller.Admit(context.Background(),
		newEval(enabledPolicy(), time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)))

	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.Equal(t, models.OutcomeSkipped, record.Outcome)
	assert.Equal(t, decision.ReasonMaxOpenTrades, record.ReasonCode)
}

func TestAdmitGuardrailBlocksExcessExposure(t *testing.T) {
	db := newTestDB(t)
	cfg := defaultTradingConfig()
	cfg.OrderCooldown = 0
	cfg.MaxOpenPositions = 10
	cfg.PortfolioCeiling = 150
	controller := newTestAdmission(t, db, cfg)

	// Existing exposure 100; intended 1.0 * 100 pushes past the 150 ceiling.
	seedFill(t, db, 1, "ETHUSDT", "BUY", models.RoleEntry, 1.0, 100)

	record, intent, err := controller.Admit(context.Background(),
		newEval(enabledPolicy(), time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)))

	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.Equal(t, models.OutcomeSkipped, record.Outcome)
	assert.Equal(t, decision.ReasonGuardrail, record.ReasonCode)
}

func TestAdmitFailsClosedWhenCountUnavailable(t *testing.T) {
	db := newTestDB(t)
	controller := newTestAdmission(t, db, defaultTradingConfig())

	// Make every order-state read fail.
	require.NoError(t, db.Migrator().DropTable(&models.ExchangeOrder{}))

	record, intent, err := controller.Admit(context.Background(),
		newEval(enabledPolicy(), time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)))

	require.NoError(t, err)
	assert.Nil(t, intent, "fail closed: no intent may be created")
	assert.Equal(t, models.OutcomeFailed, record.Outcome)
	assert.Equal(t, decision.ReasonCountCheck, record.ReasonCode)

	var intents int64
	require.NoError(t, db.Model(&models.OrderIntent{}).Count(&intents).Error)
	assert.Equal(t, int64(0), intents)
}

func TestExpireStaleIntents(t *testing.T) {
	db := newTestDB(t)
	controller := newTestAdmission(t, db, defaultTradingConfig())

	stale := models.OrderIntent{
		IntentKey: "BTCUSDT|BUY|2025-06-01T10:00", Symbol: "BTCUSDT", Side: "BUY",
		ClientOrderID: "stale-id", Status: models.IntentPending,
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Exec(
		"UPDATE order_intents SET created_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour), stale.ID).Error)

	expired, err := controller.ExpireStaleIntents(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	var after models.OrderIntent
	require.NoError(t, db.First(&after, stale.ID).Error)
	assert.Equal(t, models.IntentExpired, after.Status)
}
