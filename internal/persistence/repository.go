package persistence

import "bybit-grid-bot-go/internal/models"

// InstanceRepository defines the interface for instance snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type InstanceRepository interface {
	// SaveState atomically saves the entire instance snapshot.
	SaveState(state *models.InstanceState) error

	// LoadState loads the instance snapshot from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.InstanceState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
