// Package uuid generates identifiers for listener handles and HTTP requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New returns a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// NewWithPrefix returns a Generator whose IDs start with prefix.
func NewWithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUID7 string. IDs from one process sort by creation time.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil || g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + id.String(), nil
}

// MustNewID is NewID falling back to a random v4 ID when the v7 clock source fails.
func (g *Generator) MustNewID() string {
	id, err := g.NewID()
	if err == nil {
		return id
	}
	if g == nil || g.prefix == "" {
		return uuid.NewString()
	}
	return g.prefix + uuid.NewString()
}
