package policy

import (
	"errors"
	"fmt"

	"binance-signal-bot-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no live policy exists for a symbol.
var ErrNotFound = errors.New("policy not found")

// Store is the core's view of the configuration surface. The database row is
// the single source of truth: writes compare UpdatedAt so a stale caller can
// never silently overwrite a more recent change.
type Store struct {
	db       *gorm.DB
	exchange string
	logger   *zap.Logger
}

// NewStore creates a policy store scoped to one exchange.
func NewStore(db *gorm.DB, exchange string, logger *zap.Logger) *Store {
	return &Store{db: db, exchange: exchange, logger: logger.Named("policy")}
}

// Live returns all non-deleted policies for the exchange. gorm's soft delete
// keeps removed policies out of the result.
func (s *Store) Live() ([]models.SymbolPolicy, error) {
	var policies []models.SymbolPolicy
	if err := s.db.Where("exchange = ?", s.exchange).Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// Get returns the live policy for a symbol.
func (s *Store) Get(symbol string) (*models.SymbolPolicy, error) {
	var policy models.SymbolPolicy
	err := s.db.Where("symbol = ? AND exchange = ?", symbol, s.exchange).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy for %s: %w", symbol, err)
	}
	return &policy, nil
}

// Upsert writes a policy, but only when the caller's copy is at least as
// recent as the stored row. A stale write is rejected instead of clobbering
// the newer value.
func (s *Store) Upsert(incoming *models.SymbolPolicy) error {
	var current models.SymbolPolicy
	err := s.db.Where("symbol = ? AND exchange = ?", incoming.Symbol, s.exchange).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		incoming.Exchange = s.exchange
		if err := s.db.Create(incoming).Error; err != nil {
			return fmt.Errorf("failed to create policy for %s: %w", incoming.Symbol, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load policy for %s: %w", incoming.Symbol, err)
	}

	if incoming.UpdatedAt.Before(current.UpdatedAt) {
		s.logger.Warn("Rejecting stale policy write",
			zap.String("symbol", incoming.Symbol),
			zap.Time("incoming", incoming.UpdatedAt),
			zap.Time("current", current.UpdatedAt),
		)
		return fmt.Errorf("stale policy write for %s: stored copy is newer", incoming.Symbol)
	}

	incoming.ID = current.ID
	incoming.Exchange = s.exchange
	incoming.CreatedAt = current.CreatedAt
	if err := s.db.Save(incoming).Error; err != nil {
		return fmt.Errorf("failed to update policy for %s: %w", incoming.Symbol, err)
	}
	return nil
}

// ConsumeForceSignal reads and clears the manual force-next-signal override
// in one transaction. It returns whether the override was set.
func (s *Store) ConsumeForceSignal(symbol string) (bool, error) {
	forced := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var policy models.SymbolPolicy
		err := tx.Where("symbol = ? AND exchange = ?", symbol, s.exchange).First(&policy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !policy.ForceNextSignal {
			return nil
		}
		forced = true
		return tx.Model(&policy).Update("force_next_signal", false).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to consume force-signal for %s: %w", symbol, err)
	}
	return forced, nil
}

// SetForceSignal flips the manual override on for a symbol.
func (s *Store) SetForceSignal(symbol string) error {
	result := s.db.Model(&models.SymbolPolicy{}).
		Where("symbol = ? AND exchange = ?", symbol, s.exchange).
		Update("force_next_signal", true)
	if result.Error != nil {
		return fmt.Errorf("failed to set force-signal for %s: %w", symbol, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
