package resolution

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a positive judgement contradicts a standing
	// negative or unsure judgement on the same pair.
	ErrConflict = errors.New("conflicting judgement")
	// ErrIncompatibleSchema is returned when two schemata have no common
	// descendant among themselves, e.g. when merging a Person with a Company.
	ErrIncompatibleSchema = errors.New("incompatible schema")
	// ErrUnknownSchema is returned when a schema name is missing from the
	// registry.
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrUnknownProperty is returned when a property is not defined by a
	// schema (nor by any of its ancestors).
	ErrUnknownProperty = errors.New("unknown property")
	// ErrNotFound is returned when a dataset, version or entity does not exist.
	ErrNotFound = errors.New("not found")
)

// A ConflictError describes a rejected positive judgement. It wraps
// ErrConflict, so callers may test for it with errors.Is.
type ConflictError struct {
	Source, Target string
	// The judgement standing between Source and Target.
	Existing Judgement
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot merge %s and %s: standing %s judgement", e.Source, e.Target, e.Existing)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// A SchemaError describes a failed lookup or combination of schemata. It wraps
// one of ErrUnknownSchema, ErrUnknownProperty or ErrIncompatibleSchema.
type SchemaError struct {
	Schema   string
	Other    string // set for ErrIncompatibleSchema
	Property string // set for ErrUnknownProperty
	Err      error
}

func (e *SchemaError) Error() string {
	switch {
	case e.Property != "":
		return fmt.Sprintf("%s.%s: %v", e.Schema, e.Property, e.Err)
	case e.Other != "":
		return fmt.Sprintf("%s and %s: %v", e.Schema, e.Other, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Schema, e.Err)
	}
}

func (e *SchemaError) Unwrap() error { return e.Err }
