package resource

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Definitions is the document read by LoadDefinitions.
//
//	resources:
//	  - type: user
//	    properties: [email, name, orgId]
//	    required: "*"
//	    indexes: [email]
//	    sets: [admins]
//	    generate:
//	      - field: email
//	        rules: [trim, lowercase]
//	    validate:
//	      - field: email
//	        rules: [email]
//	    associations:
//	      - name: org
//	        kind: hasMany
//	        localKey: orgId
//	        foreignType: org
type Definitions struct {
	Resources []Definition `yaml:"resources"`
}

// Definition declares one resource type.
type Definition struct {
	Type         string                  `yaml:"type"`
	PrimaryKey   string                  `yaml:"primaryKey"`
	Properties   []string                `yaml:"properties"`
	Required     RequiredFields          `yaml:"required"`
	Indexes      []string                `yaml:"indexes"`
	Sets         []string                `yaml:"sets"`
	Generate     []FieldRules            `yaml:"generate"`
	Validate     []FieldRules            `yaml:"validate"`
	Associations []AssociationDefinition `yaml:"associations"`
}

// FieldRules names the rules applied to one field, in order.
type FieldRules struct {
	Field string   `yaml:"field"`
	Rules []string `yaml:"rules"`
}

// AssociationDefinition declares a has-one or has-many association. Link
// associations need functions and are declared in code.
type AssociationDefinition struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	LocalKey    string `yaml:"localKey"`
	ForeignType string `yaml:"foreignType"`
	ForeignKey  string `yaml:"foreignKey"`
	SetName     string `yaml:"setName"`
}

// RequiredFields is a list of field names, or "*" for every property.
type RequiredFields struct {
	All    bool
	Fields []string
}

func (r *RequiredFields) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Value == "*" {
		r.All = true
		return nil
	}
	return node.Decode(&r.Fields)
}

// LoadDefinitions parses a YAML document and builds its schemas, resolving
// rule names against rules. A nil rules uses the built-in rules.
func LoadDefinitions(data []byte, rules *Rules) ([]*Schema, error) {
	if rules == nil {
		rules = NewRules()
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var defs Definitions
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	schemas := make([]*Schema, 0, len(defs.Resources))
	for _, d := range defs.Resources {
		s, err := d.Build(rules)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

// Build turns the definition into a Schema.
func (d Definition) Build(rules *Rules) (*Schema, error) {
	b := NewSchema(d.Type).
		UseRules(rules).
		Properties(d.Properties...).
		Required(d.Required.Fields...).
		Index(d.Indexes...).
		Set(d.Sets...)

	if d.PrimaryKey != "" {
		b.PrimaryKey(d.PrimaryKey)
	}
	if d.Required.All {
		b.RequireAll()
	}
	for _, g := range d.Generate {
		b.GenerateWith(g.Field, g.Rules...)
	}
	for _, v := range d.Validate {
		b.ValidateWith(v.Field, v.Rules...)
	}
	for _, ad := range d.Associations {
		kind, err := ParseAssociationKind(ad.Kind)
		if err == nil && kind == Link {
			err = fmt.Errorf("association %q: link associations cannot be declared in definitions", ad.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchema, d.Type, err)
		}
		b.Associate(Association{
			Name:        ad.Name,
			Kind:        kind,
			LocalKey:    ad.LocalKey,
			ForeignType: ad.ForeignType,
			ForeignKey:  ad.ForeignKey,
			SetName:     ad.SetName,
		})
	}
	return b.Build()
}
