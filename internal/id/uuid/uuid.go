// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates crawl IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a short 12-hex-character crawl id, the tail of a random UUID.
// Short ids keep log lines and API paths readable while staying unique enough
// for a single deployment's job population.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	hex := fmt.Sprintf("%x", [16]byte(id))
	return hex[len(hex)-12:], nil
}

// NewFullID returns a full UUID v7 string for callers that need sortable,
// globally unique identifiers.
func (Generator) NewFullID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
