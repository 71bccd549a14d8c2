package planner

import (
	"fmt"
	"math"

	"bybit-grid-bot-go/internal/models"
)

// ComputeLevels 计算网格的所有价格档位。
// Prices are evenly spaced over [lower, upper] inclusive of both endpoints
// and strictly increasing.
func ComputeLevels(lower, upper float64, count int) ([]float64, error) {
	if count < 2 {
		return nil, &models.InvalidConfigurationError{Reason: fmt.Sprintf("grid count must be at least 2, got %d", count)}
	}
	if lower >= upper {
		return nil, &models.InvalidConfigurationError{Reason: fmt.Sprintf("lower price %.8g must be below upper price %.8g", lower, upper)}
	}
	if lower <= 0 {
		return nil, &models.InvalidConfigurationError{Reason: fmt.Sprintf("prices must be positive, got lower %.8g", lower)}
	}

	levels := make([]float64, count)
	step := (upper - lower) / float64(count-1)
	for i := 0; i < count; i++ {
		levels[i] = lower + float64(i)*step
	}
	// Pin the top level to the exact bound; accumulated float steps can
	// land a hair off it.
	levels[count-1] = upper
	return levels, nil
}

// ClassifyInitialSides 根据当前价格决定每个档位的初始方向。
// Levels below the price get a buy, levels above get a sell, and the level
// nearest the price is skipped so the initial set never crosses the market.
func ClassifyInitialSides(levels []float64, currentPrice float64) ([]models.Side, error) {
	if len(levels) == 0 {
		return nil, &models.InvalidConfigurationError{Reason: "no grid levels"}
	}
	lower, upper := levels[0], levels[len(levels)-1]
	if currentPrice < lower || currentPrice > upper {
		return nil, &models.PriceOutOfRangeError{Price: currentPrice, Lower: lower, Upper: upper}
	}

	skip := NearestIndex(levels, currentPrice)
	sides := make([]models.Side, len(levels))
	for i, price := range levels {
		switch {
		case i == skip:
			sides[i] = models.None
		case price < currentPrice:
			sides[i] = models.Buy
		default:
			sides[i] = models.Sell
		}
	}
	return sides, nil
}

// NearestIndex returns the index of the level closest to price.
// Ties resolve to the lower level.
func NearestIndex(levels []float64, price float64) int {
	best := 0
	bestDist := math.Abs(levels[0] - price)
	for i := 1; i < len(levels); i++ {
		d := math.Abs(levels[i] - price)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// CompensationIndex 返回成交后补偿订单应挂在的档位。
// A filled buy at i compensates with a sell at i+1; a filled sell at i with
// a buy at i-1. The boundary is a hard edge: ok is false when the target
// falls outside the grid and no order should be placed.
func CompensationIndex(index int, filledSide models.Side, count int) (int, bool) {
	switch filledSide {
	case models.Buy:
		if index+1 >= count {
			return 0, false
		}
		return index + 1, true
	case models.Sell:
		if index-1 < 0 {
			return 0, false
		}
		return index - 1, true
	default:
		return 0, false
	}
}

// AdjustRange recenters the grid bounds around price with the given margin
// ratio, e.g. 0.05 for a ±5% band.
func AdjustRange(price, margin float64) (lower, upper float64) {
	return price * (1 - margin), price * (1 + margin)
}

// ValidateConfig 校验一份网格配置。
func ValidateConfig(cfg *models.GridConfig) error {
	if cfg == nil {
		return &models.InvalidConfigurationError{Reason: "missing grid config"}
	}
	if cfg.Symbol == "" {
		return &models.InvalidConfigurationError{Reason: "symbol is required"}
	}
	if cfg.Category != models.CategorySpot && cfg.Category != models.CategoryLinear {
		return &models.InvalidConfigurationError{Reason: fmt.Sprintf("unknown category %q", cfg.Category)}
	}
	if cfg.Quantity <= 0 {
		return &models.InvalidConfigurationError{Reason: fmt.Sprintf("quantity must be positive, got %.8g", cfg.Quantity)}
	}
	if cfg.MaxOpenOrders < 0 {
		return &models.InvalidConfigurationError{Reason: fmt.Sprintf("max open orders must not be negative, got %d", cfg.MaxOpenOrders)}
	}
	if p := cfg.RearmPolicy; p != "" && p != models.RearmImmediate && p != models.RearmOnCross {
		return &models.InvalidConfigurationError{Reason: fmt.Sprintf("unknown rearm policy %q", p)}
	}
	// Bounds and count share the checks ComputeLevels performs.
	_, err := ComputeLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount)
	return err
}
