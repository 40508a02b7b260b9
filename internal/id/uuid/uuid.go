// Package uuid generates lease tokens.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 lease tokens.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string. Tokens sort by creation time, which keeps lease
// tokens readable in the pending_checks table.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return id.String(), nil
}
