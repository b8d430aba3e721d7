package models

import "gorm.io/gorm"

// OrderIntent statuses.
const (
	IntentPending   = "PENDING"
	IntentConfirmed = "CONFIRMED"
	IntentExpired   = "EXPIRED"
)

// OrderIntent is the core's claim that an order should exist for a signal.
// The key combines the signal identity with a minute-granularity timestamp
// bucket; the unique index is what makes admission idempotent under
// concurrent evaluation triggers.
type OrderIntent struct {
	gorm.Model
	IntentKey     string `gorm:"uniqueIndex;not null"`
	Symbol        string `gorm:"index;not null"`
	Side          string `gorm:"not null"`
	Quantity      float64
	ClientOrderID string `gorm:"uniqueIndex;not null"`
	Status        string `gorm:"default:PENDING"`
}
