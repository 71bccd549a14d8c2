package persistence

import (
	"testing"

	"bybit-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerRepositoryRoundTrip(t *testing.T) {
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	// No snapshot yet.
	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)

	saved := &models.InstanceState{
		Status: models.StatusRunning,
		Grid: &models.GridConfig{
			Symbol:     "BTCUSDT",
			Category:   models.CategorySpot,
			LowerPrice: 100,
			UpperPrice: 120,
			GridCount:  5,
			Quantity:   0.01,
		},
		Degraded:  true,
		LastError: "exchange unreachable",
	}
	require.NoError(t, repo.SaveState(saved))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.StatusRunning, loaded.Status)
	assert.True(t, loaded.Degraded)
	assert.Equal(t, "exchange unreachable", loaded.LastError)
	require.NotNil(t, loaded.Grid)
	assert.Equal(t, "BTCUSDT", loaded.Grid.Symbol)
	assert.Equal(t, 5, loaded.Grid.GridCount)
}

func TestBadgerRepositoryOverwrite(t *testing.T) {
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.SaveState(&models.InstanceState{Status: models.StatusRunning}))
	require.NoError(t, repo.SaveState(&models.InstanceState{Status: models.StatusStopped}))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, loaded.Status)
}
