package planner

import (
	"testing"

	"bybit-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLevels_EvenSpacing(t *testing.T) {
	levels, err := ComputeLevels(100, 120, 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 105, 110, 115, 120}, levels)
}

func TestComputeLevels_EndpointsAndMonotonic(t *testing.T) {
	levels, err := ComputeLevels(0.015, 0.042, 37)
	require.NoError(t, err)
	require.Len(t, levels, 37)
	assert.Equal(t, 0.015, levels[0])
	assert.Equal(t, 0.042, levels[len(levels)-1])
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i], levels[i-1], "levels must be strictly increasing at %d", i)
	}
}

func TestComputeLevels_InvalidConfiguration(t *testing.T) {
	cases := []struct {
		name         string
		lower, upper float64
		count        int
	}{
		{"count below two", 100, 120, 1},
		{"lower equals upper", 100, 100, 5},
		{"lower above upper", 120, 100, 5},
		{"non-positive lower", 0, 100, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeLevels(tc.lower, tc.upper, tc.count)
			var cfgErr *models.InvalidConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestClassifyInitialSides_SkipsNearestLevel(t *testing.T) {
	levels := []float64{100, 105, 110, 115, 120}
	sides, err := ClassifyInitialSides(levels, 110)
	require.NoError(t, err)
	assert.Equal(t, []models.Side{models.Buy, models.Buy, models.None, models.Sell, models.Sell}, sides)
}

func TestClassifyInitialSides_PriceBetweenLevels(t *testing.T) {
	levels := []float64{100, 105, 110, 115, 120}
	// 108 is closest to 110; 105 stays a buy.
	sides, err := ClassifyInitialSides(levels, 108)
	require.NoError(t, err)
	assert.Equal(t, []models.Side{models.Buy, models.Buy, models.None, models.Sell, models.Sell}, sides)
}

func TestClassifyInitialSides_PriceOutOfRange(t *testing.T) {
	levels := []float64{100, 105, 110}
	_, err := ClassifyInitialSides(levels, 95)
	var rangeErr *models.PriceOutOfRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 95.0, rangeErr.Price)
	assert.Equal(t, 100.0, rangeErr.Lower)
	assert.Equal(t, 110.0, rangeErr.Upper)

	_, err = ClassifyInitialSides(levels, 110.5)
	assert.ErrorAs(t, err, &rangeErr)
}

func TestNearestIndex_TieGoesLow(t *testing.T) {
	levels := []float64{100, 110, 120}
	assert.Equal(t, 0, NearestIndex(levels, 105))
	assert.Equal(t, 2, NearestIndex(levels, 116))
	assert.Equal(t, 1, NearestIndex(levels, 110))
}

func TestCompensationIndex(t *testing.T) {
	idx, ok := CompensationIndex(1, models.Buy, 5)
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = CompensationIndex(3, models.Sell, 5)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestCompensationIndex_HardBoundary(t *testing.T) {
	// A fill at the top level never places a sell above the range.
	_, ok := CompensationIndex(4, models.Buy, 5)
	assert.False(t, ok)

	// A fill at the bottom level never places a buy below it.
	_, ok = CompensationIndex(0, models.Sell, 5)
	assert.False(t, ok)

	_, ok = CompensationIndex(2, models.None, 5)
	assert.False(t, ok)
}

func TestAdjustRange(t *testing.T) {
	lower, upper := AdjustRange(200, 0.05)
	assert.InDelta(t, 190, lower, 1e-9)
	assert.InDelta(t, 210, upper, 1e-9)
}

func TestValidateConfig(t *testing.T) {
	valid := &models.GridConfig{
		Symbol:     "BTCUSDT",
		Category:   models.CategorySpot,
		LowerPrice: 100,
		UpperPrice: 120,
		GridCount:  5,
		Quantity:   0.01,
	}
	assert.NoError(t, ValidateConfig(valid))

	bad := *valid
	bad.Quantity = 0
	assert.Error(t, ValidateConfig(&bad))

	bad = *valid
	bad.Category = "margin"
	assert.Error(t, ValidateConfig(&bad))

	bad = *valid
	bad.RearmPolicy = "sometimes"
	assert.Error(t, ValidateConfig(&bad))

	bad = *valid
	bad.GridCount = 1
	assert.Error(t, ValidateConfig(&bad))

	assert.Error(t, ValidateConfig(nil))
}
