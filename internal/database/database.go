package database

import (
	"fmt"

	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the schema and seeds a policy row for every
// configured symbol. Existing rows are never dropped: decision records and
// order mirrors are durable audit state.
func Migrate(db *gorm.DB, cfg *config.Config) error {
	err := db.AutoMigrate(
		&models.SymbolPolicy{},
		&models.ThrottleState{},
		&models.DecisionRecord{},
		&models.OrderIntent{},
		&models.ExchangeOrder{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	// Seed a disabled policy for each configured symbol so the dashboard has
	// something to flip on. FirstOrCreate keeps existing policies untouched.
	for _, symbol := range cfg.Trading.Symbols {
		policy := models.SymbolPolicy{
			Symbol:        symbol,
			Exchange:      cfg.Trading.Exchange,
			TradeQuantity: cfg.Trading.Quantity,
		}
		cond := models.SymbolPolicy{Symbol: symbol, Exchange: cfg.Trading.Exchange}
		if err := db.FirstOrCreate(&policy, cond).Error; err != nil {
			return fmt.Errorf("failed to seed policy for '%s': %w", symbol, err)
		}
	}

	return nil
}
