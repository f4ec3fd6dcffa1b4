package resource

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/arbor/codec"
)

// IndexLayout selects how unique lookup entries are stored.
type IndexLayout string

const (
	// IndexLayoutString stores one key per value: ns:type:field:value -> id.
	IndexLayoutString IndexLayout = "string"

	// IndexLayoutHash stores one hash per field: ns:type:field, value -> id.
	IndexLayoutHash IndexLayout = "hash"
)

// ParseIndexLayout parses "string" or "hash". An empty string selects IndexLayoutString.
func ParseIndexLayout(s string) (IndexLayout, error) {
	switch IndexLayout(s) {
	case "", IndexLayoutString:
		return IndexLayoutString, nil
	case IndexLayoutHash:
		return IndexLayoutHash, nil
	}
	return "", fmt.Errorf("arbor: unknown index layout %q", s)
}

// Config holds configuration for the Engine.
type Config struct {
	// Namespace prefixes every key. It must be constant across a deployment.
	// Default: "arbor"
	Namespace string

	// IndexLayout selects the storage layout for secondary indexes and
	// has-one associations. It must be constant across a deployment.
	// Default: IndexLayoutString
	IndexLayout IndexLayout

	// ConditionalIndexes queues index entries as set-if-absent writes, so a
	// value claimed between the uniqueness check and the commit fails the
	// whole batch with a ConflictError instead of overwriting the entry.
	// Default: false
	ConditionalIndexes bool

	// Codec serializes primary records.
	// Default: codec.JSON
	Codec codec.Codec

	// Logger receives engine logs.
	// Default: no-op
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:   "arbor",
		IndexLayout: IndexLayoutString,
		Codec:       codec.JSON,
		Logger:      zap.NewNop(),
	}
}

// validate fills unset fields with defaults.
func (c *Config) validate() {
	if c.Namespace == "" {
		c.Namespace = "arbor"
	}
	if c.IndexLayout != IndexLayoutHash {
		c.IndexLayout = IndexLayoutString
	}
	if c.Codec == nil {
		c.Codec = codec.JSON
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
