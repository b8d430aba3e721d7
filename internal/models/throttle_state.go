package models

import (
	"time"

	"gorm.io/gorm"
)

// ThrottleState tracks the last emission per (symbol, side) so the gate can
// suppress repeat signals until enough time has passed and price has moved.
// At most one row per (symbol, side).
type ThrottleState struct {
	gorm.Model
	Symbol        string `gorm:"uniqueIndex:idx_symbol_side;not null"`
	Side          string `gorm:"uniqueIndex:idx_symbol_side;not null"`
	LastPrice     float64
	LastEmittedAt time.Time
	LastReason    string
	Override      bool // forces the next evaluation past the thresholds
}
