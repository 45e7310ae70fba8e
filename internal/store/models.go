package store

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a random identifier for agents and assets created
// without one.
func NewID() string {
	return uuid.NewString()
}

// seedState records that the agents file has been imported.
type seedState struct {
	Source   string    `json:"source"`
	SeededAt time.Time `json:"seeded_at"`
}
