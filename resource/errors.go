package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is matched by *ValidationError.
	ErrValidation = errors.New("arbor: validation failed")

	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("arbor: unique value already taken")

	// ErrNotFound is matched by *NotFoundError.
	ErrNotFound = errors.New("arbor: resource not found")

	// ErrStorage is matched by *StorageError.
	ErrStorage = errors.New("arbor: storage failure")

	// ErrGeneration is matched by *GenerationError.
	ErrGeneration = errors.New("arbor: field generation failed")

	// ErrInvalidSchema is returned by SchemaBuilder.Build and LoadDefinitions.
	ErrInvalidSchema = errors.New("arbor: invalid schema")

	// ErrUnknownType is returned when a resource type is not registered.
	ErrUnknownType = errors.New("arbor: unknown resource type")

	// ErrDuplicateType is returned when a resource type is registered twice.
	ErrDuplicateType = errors.New("arbor: resource type already registered")

	// ErrUnknownAssociation is returned when a schema has no association of the given name.
	ErrUnknownAssociation = errors.New("arbor: unknown association")

	// ErrAssociationKind is returned when an association lookup does not match its kind.
	ErrAssociationKind = errors.New("arbor: wrong association kind")

	// ErrUnknownRule is returned when a generator or validator name is not registered.
	ErrUnknownRule = errors.New("arbor: unknown rule")

	// ErrDuplicateRule is returned when a rule name is registered twice.
	ErrDuplicateRule = errors.New("arbor: rule already registered")
)

// Violation is a single failed field rule.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// ValidationError reports every violation found on a resource.
// Nothing is written to the store when it is returned.
type ValidationError struct {
	ResourceType string
	Violations   []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("arbor: invalid %s: %s", e.ResourceType, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports a secondary index value already held by another resource.
type ConflictError struct {
	ResourceType string
	Field        string
	Value        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("arbor: %s %s %q already taken", e.ResourceType, e.Field, e.Value)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NotFoundError reports an absent resource, index entry or association target.
type NotFoundError struct {
	ResourceType string

	// Key is the id, or field=value for index lookups.
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("arbor: %s %s not found", e.ResourceType, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StorageError wraps a store or codec failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("arbor: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// GenerationError wraps an identifier or field generator failure.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("arbor: generate: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

// storageError wraps err unless it is a context error.
func storageError(op string, err error) error {
	if isContextErr(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
