package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Admission outcomes.
const (
	OutcomeAllowed = "ALLOWED"
	OutcomeSkipped = "SKIPPED"
	OutcomeFailed  = "FAILED"
)

// DecisionRecord is the append-only audit entry explaining why a signal did
// or did not result in an order. Every terminal admission branch writes
// exactly one; rows are never updated or deleted.
type DecisionRecord struct {
	gorm.Model
	Symbol        string `gorm:"index:idx_decision_symbol;not null"`
	Side          string `gorm:"not null"`
	Outcome       string `gorm:"not null"`
	ReasonCode    string `gorm:"not null"`
	Message       string
	Context       datatypes.JSON
	OrderIntentID *uint
}
