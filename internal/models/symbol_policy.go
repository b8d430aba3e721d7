package models

import "gorm.io/gorm"

// Protective-order modes.
const (
	ProtectionConservative = "CONSERVATIVE"
	ProtectionAggressive   = "AGGRESSIVE"
)

// SymbolPolicy is the per-symbol trading policy owned by the configuration
// surface. The core reads it every cycle and only ever writes back the
// ForceNextSignal flag after consuming it. Soft-deleted rows are excluded
// from evaluation, so there is exactly one live policy per (symbol, exchange).
type SymbolPolicy struct {
	gorm.Model
	Symbol            string `gorm:"uniqueIndex:idx_symbol_exchange;not null"`
	Exchange          string `gorm:"uniqueIndex:idx_symbol_exchange;not null"`
	TradingEnabled    bool   `gorm:"default:false"`
	BuyAlertsEnabled  bool   `gorm:"default:true"`
	SellAlertsEnabled bool   `gorm:"default:true"`
	TradeQuantity     float64
	UseMargin         bool
	ProtectionMode    string `gorm:"default:CONSERVATIVE"`
	MaxOpenPositions  int    // 0 means use the configured default
	MinIntervalSecs   int    // 0 means use the configured default
	MinPriceDeltaPct  float64
	ForceNextSignal   bool // manual override, cleared by the core once consumed
}

// AlertsEnabled reports whether alerts are enabled for the given side.
func (p *SymbolPolicy) AlertsEnabled(side string) bool {
	if side == "BUY" {
		return p.BuyAlertsEnabled
	}
	return p.SellAlertsEnabled
}
