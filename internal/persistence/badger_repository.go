package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"crypto-orchestrator-bots/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const botPrefix = "bot/"

func configKey(id string) []byte { return []byte(botPrefix + id + "/config") }
func stateKey(id string) []byte  { return []byte(botPrefix + id + "/state") }

// badgerRepository is the BadgerDB implementation of the BotRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (BotRepository, error) {
	return open(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository keeps everything in memory; used by backtests and tests.
func NewInMemoryRepository() (BotRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (BotRepository, error) {
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) Create(cfg *models.BotConfig, state *models.BotState) error {
	cfgData, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	stateData, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(configKey(cfg.ID))
		if err == nil {
			return fmt.Errorf("%w: bot %s already exists", models.ErrValidation, cfg.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(configKey(cfg.ID), cfgData); err != nil {
			return err
		}
		return txn.Set(stateKey(cfg.ID), stateData)
	})
}

func (r *badgerRepository) GetConfig(id string) (*models.BotConfig, error) {
	var cfg models.BotConfig
	if err := r.get(configKey(id), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *badgerRepository) GetState(id string) (*models.BotState, error) {
	var state models.BotState
	if err := r.get(stateKey(id), &state); err != nil {
		return nil, err
	}
	if state.OpenOrders == nil {
		state.OpenOrders = make(map[string]models.OpenOrder)
	}
	return &state, nil
}

func (r *badgerRepository) get(key []byte, out any) error {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return fmt.Errorf("%w: empty value at %s", models.ErrCorruptState, key)
			}
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	return err
}

func (r *badgerRepository) SaveConfig(cfg *models.BotConfig) error {
	return r.put(configKey(cfg.ID), cfg)
}

func (r *badgerRepository) SaveState(state *models.BotState) error {
	return r.put(stateKey(state.BotID), state)
}

func (r *badgerRepository) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (r *badgerRepository) Delete(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(configKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: bot %s", models.ErrNotFound, id)
			}
			return err
		}
		if err := txn.Delete(configKey(id)); err != nil {
			return err
		}
		return txn.Delete(stateKey(id))
	})
}

func (r *badgerRepository) ListConfigs() ([]*models.BotConfig, error) {
	var configs []*models.BotConfig
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(botPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, "/config") {
				continue
			}
			var cfg models.BotConfig
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cfg)
			}); err != nil {
				return fmt.Errorf("%w: %s: %v", models.ErrCorruptState, key, err)
			}
			configs = append(configs, &cfg)
		}
		return nil
	})
	return configs, err
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
