// Package codec serializes resource records for storage.
package codec

import (
	"errors"
	"fmt"
)

// ErrUnknownCodec is returned by ByName for unregistered names.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec converts a record to and from its stored bytes.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string
	Marshal(record map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// ByName returns the codec registered under name ("json" or "bson").
// An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSON.Name():
		return JSON, nil
	case BSON.Name():
		return BSON, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
