package models

import "gorm.io/gorm"

// Exchange order statuses, mirroring the exchange's own states.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
)

// Order roles within a position.
const (
	RoleEntry      = "ENTRY"
	RoleStopLoss   = "STOP_LOSS"
	RoleTakeProfit = "TAKE_PROFIT"
)

// Trading modes.
const (
	ModeMargin = "MARGIN"
	ModeSpot   = "SPOT"
)

// ExchangeOrder is the local mirror of an exchange order. Rows are created
// when an order is placed or first observed during reconciliation, and are
// only ever status-transitioned, never deleted. Protective siblings of an
// entry reference each other bidirectionally via SiblingID.
type ExchangeOrder struct {
	gorm.Model
	ExchangeID    int64  `gorm:"uniqueIndex;not null"`
	ClientOrderID string `gorm:"index"`
	Symbol        string `gorm:"index:idx_order_symbol;not null"`
	Side          string `gorm:"not null"`
	Status        string `gorm:"default:NEW"`
	Quantity      float64
	ExecutedQty   float64
	Price         float64
	Mode          string `gorm:"default:SPOT"`
	Role          string `gorm:"default:ENTRY"`
	SiblingID     *uint  // OCO partner for STOP_LOSS / TAKE_PROFIT orders
	IntentID      *uint
	Protected     bool // true once an ENTRY's exits have been attached
	ManualFlagged bool // true once an old unprotected fill has been alerted
}

// Open reports whether the order can still fill.
func (o *ExchangeOrder) Open() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// Terminal reports whether the status can no longer change.
func (o *ExchangeOrder) Terminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}
