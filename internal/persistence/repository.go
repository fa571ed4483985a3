package persistence

import "crypto-orchestrator-bots/internal/models"

// BotRepository defines the interface for bot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Missing bots are reported as
// models.ErrNotFound.
type BotRepository interface {
	// Create stores a new bot's config and initial state in one transaction.
	Create(cfg *models.BotConfig, state *models.BotState) error

	GetConfig(id string) (*models.BotConfig, error)
	GetState(id string) (*models.BotState, error)

	// SaveConfig replaces the stored config wholesale.
	SaveConfig(cfg *models.BotConfig) error
	// SaveState replaces the stored state wholesale. Last writer wins.
	SaveState(state *models.BotState) error

	// Delete removes both records.
	Delete(id string) error

	// ListConfigs returns every stored config ordered by id.
	ListConfigs() ([]*models.BotConfig, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
