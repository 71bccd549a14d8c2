package persistence

import (
	"encoding/json"
	"errors"

	"bybit-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the InstanceRepository.
type badgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (InstanceRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still come back from DB calls.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:       db,
		stateKey: []byte("instance_state"), // single snapshot record
	}, nil
}

// SaveState atomically saves the entire instance snapshot.
// It marshals the state struct into JSON and saves it under a predefined key.
func (r *badgerRepository) SaveState(state *models.InstanceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
}

// LoadState loads the instance snapshot from storage.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState() (*models.InstanceState, error) {
	var state models.InstanceState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // no snapshot yet
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
