package trader

import (
	"fmt"

	"binance-signal-bot-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PositionCounter derives open-position counts from the local order mirror.
// Raw order counts overstate positions because partial fills fragment one
// logical position into several order rows, so the count is net open
// quantity divided by the historical average entry fill size, rounded with
// ceiling so a fragmented position is never undercounted below the cap.
type PositionCounter struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPositionCounter creates a PositionCounter.
func NewPositionCounter(db *gorm.DB, logger *zap.Logger) *PositionCounter {
	return &PositionCounter{db: db, logger: logger.Named("positions")}
}

type quantityRow struct {
	Side  string
	Total float64
	Fills int64
}

// netAndAverage returns the net open quantity (entry buys minus sells across
// all roles) and the average entry fill size for a symbol.
func (c *PositionCounter) netAndAverage(symbol string) (net, avg decimal.Decimal, err error) {
	var rows []quantityRow
	err = c.db.Model(&models.ExchangeOrder{}).
		Select("side, SUM(executed_qty) AS total, COUNT(*) AS fills").
		Where("symbol = ? AND executed_qty > 0", symbol).
		Group("side").
		Scan(&rows).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to sum fills for %s: %w", symbol, err)
	}

	for _, row := range rows {
		qty := decimal.NewFromFloat(row.Total)
		if row.Side == "BUY" {
			net = net.Add(qty)
		} else {
			net = net.Sub(qty)
		}
	}

	var entryRows []quantityRow
	err = c.db.Model(&models.ExchangeOrder{}).
		Select("side, SUM(executed_qty) AS total, COUNT(*) AS fills").
		Where("symbol = ? AND role = ? AND executed_qty > 0", symbol, models.RoleEntry).
		Group("side").
		Scan(&entryRows).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to average entry fills for %s: %w", symbol, err)
	}

	var entryTotal decimal.Decimal
	var entryFills int64
	for _, row := range entryRows {
		entryTotal = entryTotal.Add(decimal.NewFromFloat(row.Total))
		entryFills += row.Fills
	}
	if entryFills > 0 {
		avg = entryTotal.Div(decimal.NewFromInt(entryFills))
	}
	return net, avg, nil
}

// OpenPositions returns the open-position count for a symbol.
func (c *PositionCounter) OpenPositions(symbol string) (int, error) {
	net, avg, err := c.netAndAverage(symbol)
	if err != nil {
		return 0, err
	}
	if net.Sign() <= 0 || avg.Sign() <= 0 {
		return 0, nil
	}
	count := int(net.Div(avg).Ceil().IntPart())
	c.logger.Debug("Counted open positions",
		zap.String("symbol", symbol),
		zap.String("net_qty", net.String()),
		zap.String("avg_fill", avg.String()),
		zap.Int("count", count),
	)
	return count, nil
}

type exposureRow struct {
	Symbol string
	Side   string
	Value  float64
}

// Exposure returns aggregate portfolio exposure in quote currency: the sum
// over symbols of net filled value (buys minus sells at their fill prices).
func (c *PositionCounter) Exposure() (float64, error) {
	var rows []exposureRow
	err := c.db.Model(&models.ExchangeOrder{}).
		Select("symbol, side, SUM(executed_qty * price) AS value").
		Where("executed_qty > 0 AND price > 0").
		Group("symbol, side").
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum exposure: %w", err)
	}

	total := decimal.Zero
	perSymbol := map[string]decimal.Decimal{}
	for _, row := range rows {
		value := decimal.NewFromFloat(row.Value)
		if row.Side != "BUY" {
			value = value.Neg()
		}
		perSymbol[row.Symbol] = perSymbol[row.Symbol].Add(value)
	}
	for _, value := range perSymbol {
		if value.Sign() > 0 {
			total = total.Add(value)
		}
	}
	result, _ := total.Float64()
	return result, nil
}
