package decision

import (
	"encoding/json"
	"fmt"

	"binance-signal-bot-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Tracer appends DecisionRecords. It is the single write path for admission
// outcomes; callers must route every terminal branch through Trace so that no
// decision is ever dropped.
type Tracer struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewTracer creates a Tracer.
func NewTracer(db *gorm.DB, logger *zap.Logger) *Tracer {
	return &Tracer{db: db, logger: logger.Named("tracer")}
}

// Trace writes one decision record. The context map is stored as a JSON blob
// alongside the structured fields. A write failure is returned to the caller
// but the record contents are also logged, so the decision is never silent.
func (t *Tracer) Trace(symbol, side, outcome, reason, message string, context map[string]any, intentID *uint) (*models.DecisionRecord, error) {
	var blob datatypes.JSON
	if context != nil {
		raw, err := json.Marshal(context)
		if err != nil {
			t.logger.Warn("Failed to marshal decision context, storing without it",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			blob = datatypes.JSON(raw)
		}
	}

	record := models.DecisionRecord{
		Symbol:        symbol,
		Side:          side,
		Outcome:       outcome,
		ReasonCode:    reason,
		Message:       message,
		Context:       blob,
		OrderIntentID: intentID,
	}

	if err := t.db.Create(&record).Error; err != nil {
		t.logger.Error("Failed to persist decision record",
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.String("outcome", outcome),
			zap.String("reason", reason),
			zap.String("message", message),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to persist decision record: %w", err)
	}

	t.logger.Debug("Decision traced",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("outcome", outcome),
		zap.String("reason", reason),
	)
	return &record, nil
}

// Recent returns the most recent records for a symbol, newest first.
func (t *Tracer) Recent(symbol string, limit int) ([]models.DecisionRecord, error) {
	var records []models.DecisionRecord
	q := t.db.Order("created_at DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query decision records: %w", err)
	}
	return records, nil
}
