package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Generator derives a field value from its current value, which is nil
// when the field is absent.
type Generator interface {
	Apply(value any) (any, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(value any) (any, error)

func (f GeneratorFunc) Apply(value any) (any, error) {
	return f(value)
}

// Validator checks a present field value.
type Validator interface {
	Check(value any) bool
	Message() string
}

type funcValidator struct {
	check   func(any) bool
	message string
}

func (v funcValidator) Check(value any) bool { return v.check(value) }
func (v funcValidator) Message() string      { return v.message }

// ValidatorFunc returns a Validator reporting message when check fails.
func ValidatorFunc(message string, check func(value any) bool) Validator {
	return funcValidator{check: check, message: message}
}

var tagValidate = validator.New()

type tagValidator struct {
	tag     string
	message string
}

func (v tagValidator) Check(value any) (ok bool) {
	// Some baked-in tags panic on unsupported kinds.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return tagValidate.Var(value, v.tag) == nil
}

func (v tagValidator) Message() string { return v.message }

// TagValidator returns a Validator backed by a go-playground/validator tag
// such as "email" or "min=3".
func TagValidator(tag, message string) Validator {
	return tagValidator{tag: tag, message: message}
}

// Rules is a table of named generators and validators resolved when schemas
// are built. It is safe for concurrent use.
type Rules struct {
	mu         sync.RWMutex
	generators map[string]Generator
	validators map[string]Validator
}

// NewRules returns a table holding the built-in rules.
//
// Generators: uuid, timestamp (RFC 3339, UTC), lowercase, trim. uuid and
// timestamp only fill absent or empty values.
//
// Validators: required, email, uuid4, url, alphanum, numeric.
func NewRules() *Rules {
	r := &Rules{
		generators: map[string]Generator{
			"uuid":      GeneratorFunc(generateUUID),
			"timestamp": GeneratorFunc(generateTimestamp),
			"lowercase": stringGenerator(strings.ToLower),
			"trim":      stringGenerator(strings.TrimSpace),
		},
		validators: map[string]Validator{
			"required": TagValidator("required", "is required"),
			"email":    TagValidator("email", "must be a valid email address"),
			"uuid4":    TagValidator("uuid4", "must be a version 4 UUID"),
			"url":      TagValidator("url", "must be a valid URL"),
			"alphanum": TagValidator("alphanum", "must contain only letters and digits"),
			"numeric":  TagValidator("numeric", "must be numeric"),
		},
	}
	return r
}

// RegisterGenerator adds a named generator.
func (r *Rules) RegisterGenerator(name string, g Generator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.generators[name]; ok {
		return fmt.Errorf("%w: generator %q", ErrDuplicateRule, name)
	}
	r.generators[name] = g
	return nil
}

// RegisterValidator adds a named validator.
func (r *Rules) RegisterValidator(name string, v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[name]; ok {
		return fmt.Errorf("%w: validator %q", ErrDuplicateRule, name)
	}
	r.validators[name] = v
	return nil
}

// Generator returns the generator registered under name.
func (r *Rules) Generator(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: generator %q", ErrUnknownRule, name)
	}
	return g, nil
}

// Validator returns the validator registered under name.
func (r *Rules) Validator(name string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	if !ok {
		return nil, fmt.Errorf("%w: validator %q", ErrUnknownRule, name)
	}
	return v, nil
}

// Names returns the sorted generator and validator names.
func (r *Rules) Names() (generators, validators []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.generators {
		generators = append(generators, name)
	}
	for name := range r.validators {
		validators = append(validators, name)
	}
	sort.Strings(generators)
	sort.Strings(validators)
	return generators, validators
}

func isBlank(value any) bool {
	s, ok := value.(string)
	return value == nil || (ok && s == "")
}

func generateUUID(value any) (any, error) {
	if !isBlank(value) {
		return value, nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

func generateTimestamp(value any) (any, error) {
	if !isBlank(value) {
		return value, nil
	}
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}

func stringGenerator(fn func(string) string) Generator {
	return GeneratorFunc(func(value any) (any, error) {
		if s, ok := value.(string); ok {
			return fn(s), nil
		}
		return value, nil
	})
}
