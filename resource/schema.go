package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jacentio/arbor/internal/keys"
)

// DefaultPrimaryKey is the field holding a resource's generated id.
const DefaultPrimaryKey = "id"

// DefaultSetName returns the collection every resource of resourceType
// belongs to.
func DefaultSetName(resourceType string) string {
	return resourceType + "s"
}

// Hooks are optional lifecycle callbacks.
type Hooks struct {
	// BeforeCreate runs after field generation and before the id is
	// assigned. It may return a modified resource; an error aborts the create.
	BeforeCreate func(ctx context.Context, r Resource) (Resource, error)

	// AfterCreate runs after the batch is committed. An error is returned to
	// the caller but the resource stays persisted.
	AfterCreate func(ctx context.Context, r Resource) (Resource, error)

	// BeforeDelete runs before anything is removed. An error vetoes the delete.
	BeforeDelete func(ctx context.Context, r Resource) error
}

type fieldGenerator struct {
	field     string
	generator Generator
}

type fieldValidators struct {
	field      string
	validators []Validator
}

// Schema is an immutable resource type definition. Build one with NewSchema.
type Schema struct {
	resourceType string
	primaryKey   string
	properties   []string
	required     []string
	requireAll   bool
	indexes      []string
	sets         []string
	associations []Association
	generators   []fieldGenerator
	validators   []fieldValidators
	hooks        Hooks
}

// Type returns the resource type.
func (s *Schema) Type() string { return s.resourceType }

// PrimaryKey returns the field holding the id.
func (s *Schema) PrimaryKey() string { return s.primaryKey }

// Properties returns the declared properties.
func (s *Schema) Properties() []string { return clone(s.properties) }

// Indexes returns the unique secondary index fields in declaration order.
func (s *Schema) Indexes() []string { return clone(s.indexes) }

// Sets returns every collection the resource is added to, starting with the
// default collection.
func (s *Schema) Sets() []string { return clone(s.sets) }

// Associations returns the associations in declaration order.
func (s *Schema) Associations() []Association {
	out := make([]Association, len(s.associations))
	copy(out, s.associations)
	return out
}

// Association returns the association with the given name.
func (s *Schema) Association(name string) (Association, error) {
	for _, a := range s.associations {
		if a.Name == name {
			return a, nil
		}
	}
	return Association{}, fmt.Errorf("%w: %s.%s", ErrUnknownAssociation, s.resourceType, name)
}

// Required returns the fields that must be present at creation.
func (s *Schema) Required() []string {
	if s.requireAll {
		return clone(s.properties)
	}
	return clone(s.required)
}

// GenerateFields returns a copy of input with every generator applied in
// declaration order. input is not modified.
func (s *Schema) GenerateFields(input Resource) (Resource, error) {
	r := input.Clone()
	for _, g := range s.generators {
		cur, present := r[g.field]
		v, err := g.generator.Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", g.field, err)
		}
		if v == nil && !present {
			continue
		}
		r[g.field] = v
	}
	return r, nil
}

// Validate checks required fields, index and association values, and every
// field validator. All violations are collected into one *ValidationError.
// Validators only run on present fields.
func (s *Schema) Validate(r Resource) error {
	var violations []Violation
	reported := make(map[string]bool)
	add := func(field, msg string) {
		violations = append(violations, Violation{Field: field, Message: msg})
		reported[field] = true
	}

	for _, f := range s.Required() {
		if !r.has(f) {
			add(f, "is required")
		}
	}

	for _, f := range s.indexes {
		if reported[f] {
			continue
		}
		if !r.has(f) {
			add(f, "is required")
			continue
		}
		if _, ok := r.Lookup(f); !ok {
			add(f, "must be a non-empty scalar value")
		}
	}

	for _, a := range s.associations {
		if reported[a.LocalKey] || !r.has(a.LocalKey) {
			continue
		}
		if _, ok := r.Lookup(a.LocalKey); !ok {
			add(a.LocalKey, "must be a non-empty scalar value")
		}
	}

	for _, fv := range s.validators {
		v, ok := r[fv.field]
		if !ok {
			continue
		}
		for _, val := range fv.validators {
			if !val.Check(v) {
				add(fv.field, val.Message())
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{ResourceType: s.resourceType, Violations: violations}
	}
	return nil
}

func clone(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// SchemaBuilder assembles a Schema. Rule resolution errors are collected and
// reported by Build.
type SchemaBuilder struct {
	s     Schema
	rules *Rules
	errs  []error
}

// NewSchema starts a schema for resourceType.
func NewSchema(resourceType string) *SchemaBuilder {
	return &SchemaBuilder{s: Schema{resourceType: resourceType, primaryKey: DefaultPrimaryKey}}
}

// UseRules sets the table GenerateWith and ValidateWith resolve against.
// Without it the built-in rules are used.
func (b *SchemaBuilder) UseRules(r *Rules) *SchemaBuilder {
	b.rules = r
	return b
}

func (b *SchemaBuilder) ruleTable() *Rules {
	if b.rules == nil {
		b.rules = NewRules()
	}
	return b.rules
}

// PrimaryKey sets the field holding the id.
func (b *SchemaBuilder) PrimaryKey(field string) *SchemaBuilder {
	b.s.primaryKey = field
	return b
}

// Properties declares the resource's fields.
func (b *SchemaBuilder) Properties(fields ...string) *SchemaBuilder {
	b.s.properties = append(b.s.properties, fields...)
	return b
}

// Required declares fields that must be present at creation.
func (b *SchemaBuilder) Required(fields ...string) *SchemaBuilder {
	b.s.required = append(b.s.required, fields...)
	return b
}

// RequireAll makes every declared property required.
func (b *SchemaBuilder) RequireAll() *SchemaBuilder {
	b.s.requireAll = true
	return b
}

// Index declares unique secondary index fields. Index fields are required.
func (b *SchemaBuilder) Index(fields ...string) *SchemaBuilder {
	b.s.indexes = append(b.s.indexes, fields...)
	return b
}

// Set declares named collections in addition to the default one.
func (b *SchemaBuilder) Set(names ...string) *SchemaBuilder {
	b.s.sets = append(b.s.sets, names...)
	return b
}

// Associate declares an association.
func (b *SchemaBuilder) Associate(a Association) *SchemaBuilder {
	b.s.associations = append(b.s.associations, a)
	return b
}

// Generate appends generators for field.
func (b *SchemaBuilder) Generate(field string, gens ...Generator) *SchemaBuilder {
	for _, g := range gens {
		b.s.generators = append(b.s.generators, fieldGenerator{field: field, generator: g})
	}
	return b
}

// GenerateWith appends named generators for field.
func (b *SchemaBuilder) GenerateWith(field string, names ...string) *SchemaBuilder {
	for _, name := range names {
		g, err := b.ruleTable().Generator(name)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		b.Generate(field, g)
	}
	return b
}

// Validate appends validators for field.
func (b *SchemaBuilder) Validate(field string, vals ...Validator) *SchemaBuilder {
	for i := range b.s.validators {
		if b.s.validators[i].field == field {
			b.s.validators[i].validators = append(b.s.validators[i].validators, vals...)
			return b
		}
	}
	b.s.validators = append(b.s.validators, fieldValidators{field: field, validators: vals})
	return b
}

// ValidateWith appends named validators for field.
func (b *SchemaBuilder) ValidateWith(field string, names ...string) *SchemaBuilder {
	for _, name := range names {
		v, err := b.ruleTable().Validator(name)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		b.Validate(field, v)
	}
	return b
}

// Hooks sets the lifecycle hooks.
func (b *SchemaBuilder) Hooks(h Hooks) *SchemaBuilder {
	b.s.hooks = h
	return b
}

// Build validates the definition and returns the schema.
func (b *SchemaBuilder) Build() (*Schema, error) {
	errs := append([]error(nil), b.errs...)
	s := b.s
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if s.resourceType == "" {
		fail("resource type is empty")
	} else if strings.Contains(s.resourceType, keys.Delimiter) {
		fail("resource type %q contains %q", s.resourceType, keys.Delimiter)
	}
	if s.primaryKey == "" {
		fail("primary key is empty")
	}
	if s.requireAll && len(s.properties) == 0 {
		fail("require all needs declared properties")
	}

	seen := make(map[string]bool)
	for _, f := range s.indexes {
		switch {
		case f == "" || strings.Contains(f, keys.Delimiter):
			fail("invalid index field %q", f)
		case f == s.primaryKey:
			fail("index field %q is the primary key", f)
		case f == DefaultSetName(s.resourceType):
			fail("index field %q collides with the default set", f)
		case seen[f]:
			fail("duplicate index field %q", f)
		}
		seen[f] = true
	}

	sets := []string{DefaultSetName(s.resourceType)}
	seen[sets[0]] = true
	for _, name := range s.sets {
		switch {
		case name == "" || strings.Contains(name, keys.Delimiter):
			fail("invalid set name %q", name)
		case seen[name]:
			fail("set name %q collides with an index or set", name)
		default:
			sets = append(sets, name)
		}
		seen[name] = true
	}
	s.sets = sets

	assocs := make([]Association, len(s.associations))
	names := make(map[string]bool)
	targets := make(map[string]string)
	for i, a := range s.associations {
		a = a.withDefaults(s.resourceType)
		if err := a.check(); err != nil {
			errs = append(errs, err)
		}
		if names[a.Name] {
			fail("duplicate association %q", a.Name)
		}
		names[a.Name] = true
		if t, ok := a.destination(); ok {
			if other, dup := targets[t]; dup {
				fail("associations %q and %q write the same entries", other, a.Name)
			} else {
				targets[t] = a.Name
			}
		}
		assocs[i] = a
	}
	s.associations = assocs

	s.properties = clone(s.properties)
	s.required = clone(s.required)
	s.indexes = clone(s.indexes)
	s.generators = append([]fieldGenerator(nil), s.generators...)
	vals := make([]fieldValidators, len(s.validators))
	for i, fv := range s.validators {
		vals[i] = fieldValidators{field: fv.field, validators: append([]Validator(nil), fv.validators...)}
	}
	s.validators = vals

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchema, s.resourceType, errors.Join(errs...))
	}
	return &s, nil
}
