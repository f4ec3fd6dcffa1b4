package resource

import (
	"errors"
	"fmt"
	"slices"
)

// Inbound is an association declared on Schema that targets another type.
type Inbound struct {
	Schema      *Schema
	Association Association
}

// Registry holds the schemas of a deployment by resource type.
type Registry struct {
	schemas []*Schema
	byType  map[string]*Schema
	inbound map[string][]Inbound
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: []*Schema{},
		byType:  make(map[string]*Schema),
		inbound: make(map[string][]Inbound),
	}
}

// Register adds schemas to the registry. A type can be registered once.
func (r *Registry) Register(schemas ...*Schema) error {
	for _, s := range schemas {
		if _, ok := r.byType[s.resourceType]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateType, s.resourceType)
		}
		r.schemas = append(r.schemas, s)
		r.byType[s.resourceType] = s
		for _, a := range s.associations {
			r.inbound[a.ForeignType] = append(r.inbound[a.ForeignType], Inbound{Schema: s, Association: a})
		}
	}
	return nil
}

// Schema returns the schema registered for resourceType.
func (r *Registry) Schema(resourceType string) (*Schema, error) {
	s, ok := r.byType[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}
	return s, nil
}

// Schemas returns all registered schemas in registration order.
func (r *Registry) Schemas() []*Schema {
	return slices.Clone(r.schemas)
}

// AssociationsTo returns the associations targeting foreignType.
func (r *Registry) AssociationsTo(foreignType string) []Inbound {
	return slices.Clone(r.inbound[foreignType])
}

// Validate checks that every association targets a registered type and that
// a non-empty ForeignKey is a secondary index of that type.
func (r *Registry) Validate() error {
	var errs []error
	for _, s := range r.schemas {
		for _, a := range s.associations {
			foreign, ok := r.byType[a.ForeignType]
			if !ok {
				errs = append(errs, fmt.Errorf("%s.%s: %w: %s", s.resourceType, a.Name, ErrUnknownType, a.ForeignType))
				continue
			}
			if a.ForeignKey != "" && !slices.Contains(foreign.indexes, a.ForeignKey) {
				errs = append(errs, fmt.Errorf("%w: %s.%s: %s is not an index of %s",
					ErrInvalidSchema, s.resourceType, a.Name, a.ForeignKey, a.ForeignType))
			}
		}
	}
	return errors.Join(errs...)
}
