package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrUnknownType   = errors.New("unknown type")
	ErrDuplicateType = errors.New("duplicate type")
	ErrConfiguration = errors.New("invalid configuration")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrRuleExists    = errors.New("rule already exists")
)

// Kind distinguishes the condition and action namespaces of a Registry.
type Kind string

const (
	KindCondition Kind = "condition"
	KindAction    Kind = "action"
)

// UnknownTypeError is returned when a type key has no registry entry.
type UnknownTypeError struct {
	Kind Kind
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown %s type %q", e.Kind, e.Type)
}

func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownType }

// DuplicateTypeError is returned when a type key is registered twice.
type DuplicateTypeError struct {
	Kind Kind
	Type string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("%s type %q already registered", e.Kind, e.Type)
}

func (e *DuplicateTypeError) Is(target error) bool { return target == ErrDuplicateType }

// ConfigurationError is returned when a configuration does not satisfy the
// schema of its type.
type ConfigurationError struct {
	Kind Kind
	Type string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration for %q: %v", e.Kind, e.Type, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
