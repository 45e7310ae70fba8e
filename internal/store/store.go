package store

import (
	"errors"
	"time"

	"agent-gateway/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Agent operations
	SaveAgent(agent *model.Agent) error
	GetAgent(id string) (*model.Agent, error)
	DeleteAgent(id string) error
	ListAgents() ([]*model.Agent, error)

	// Asset operations
	SaveAsset(asset *model.Asset) error
	GetAsset(id string) (*model.Asset, error)
	DeleteAsset(id string) error
	ListAssets() ([]*model.Asset, error)

	// UpdateAsset atomically reads, modifies, and saves an asset in a single
	// transaction. Returns ErrNotFound if the asset does not exist.
	UpdateAsset(id string, fn func(asset *model.Asset) error) error

	// UpdateAttribute stores a new attribute value. Returns ErrNotFound if
	// the asset or attribute does not exist.
	UpdateAttribute(ref model.AttributeRef, value any, ts time.Time) error

	// Seed bookkeeping for the initial agents file.
	MarkSeeded(source string) error
	Seeded() (bool, error)

	// Close the store
	Close() error
}
