package trader

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestAPI(t *testing.T, db *gorm.DB) *APIServer {
	t.Helper()
	logger := zap.NewNop()
	store := policy.NewStore(db, "BINANCE", logger)
	tracer := decision.NewTracer(db, logger)
	engine := newTestEngine(t, db, &fakeProvider{})
	return NewAPIServer(engine, store, tracer, 0, logger)
}

func TestHealthHandler(t *testing.T) {
	s := newTestAPI(t, newTestDB(t))

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusHandler(t *testing.T) {
	s := newTestAPI(t, newTestDB(t))

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		UUID string `json:"uuid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotEmpty(t, status.UUID)
}

func TestPolicyHandlerGet(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.SymbolPolicy{
		Symbol: "BTCUSDT", Exchange: "BINANCE", TradingEnabled: true,
	}).Error)
	s := newTestAPI(t, db)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policies/BTCUSDT", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var pol models.SymbolPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pol))
	assert.True(t, pol.TradingEnabled)

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policies/NOPEUSDT", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyHandlerPutRejectsStaleWrite(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.SymbolPolicy{
		Symbol: "BTCUSDT", Exchange: "BINANCE", TradingEnabled: true,
	}).Error)
	s := newTestAPI(t, db)

	stale := map[string]any{
		"TradingEnabled": false,
		"UpdatedAt":      time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	body, err := json.Marshal(stale)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/policies/BTCUSDT", strings.NewReader(string(body))))

	assert.Equal(t, http.StatusConflict, rec.Code)

	var pol models.SymbolPolicy
	require.NoError(t, db.Where("symbol = ?", "BTCUSDT").First(&pol).Error)
	assert.True(t, pol.TradingEnabled, "the stored value must survive a stale write")
}

func TestForceSignalHandler(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.SymbolPolicy{
		Symbol: "BTCUSDT", Exchange: "BINANCE",
	}).Error)
	s := newTestAPI(t, db)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/policies/BTCUSDT/force", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var pol models.SymbolPolicy
	require.NoError(t, db.Where("symbol = ?", "BTCUSDT").First(&pol).Error)
	assert.True(t, pol.ForceNextSignal)

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/policies/NOPEUSDT/force", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionsHandler(t *testing.T) {
	db := newTestDB(t)
	tracer := decision.NewTracer(db, zap.NewNop())
	_, err := tracer.Trace("BTCUSDT", "BUY", models.OutcomeSkipped, decision.ReasonTradeDisabled, "trading disabled by policy", nil, nil)
	require.NoError(t, err)
	s := newTestAPI(t, db)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decisions?symbol=BTCUSDT&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.DecisionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, decision.ReasonTradeDisabled, records[0].ReasonCode)
}
