package multistore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/liamcoop/cartrules/rules"
)

const (
	maxNameLength    = 200
	maxParts         = 100
	maxPriority      = 1_000_000
	maxStoreIDLength = 100
)

var (
	typeKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	storeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
)

// Sentinels for ValidateRule and ValidateStoreID failures.
var (
	ErrInvalidRule    = errors.New("invalid rule")
	ErrInvalidStoreID = errors.New("invalid store ID")
)

// ValidateRule checks the shape of a rule definition before it reaches an
// engine. It does not resolve types; the engine reports unknown types and
// bad configurations when it compiles the rule.
func ValidateRule(r *rules.Rule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is empty", ErrInvalidRule)
	}

	name := strings.TrimSpace(r.Name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidRule)
	}
	if n := utf8.RuneCountInString(r.Name); n > maxNameLength {
		return fmt.Errorf("%w: name length %d exceeds maximum of %d characters", ErrInvalidRule, n, maxNameLength)
	}

	if !r.Policy.Valid() {
		return fmt.Errorf("%w: unknown policy %q (must be %q or %q)", ErrInvalidRule, r.Policy, rules.PolicyAll, rules.PolicyAny)
	}

	if r.Priority > maxPriority || r.Priority < -maxPriority {
		return fmt.Errorf("%w: priority %d outside [-%d, %d]", ErrInvalidRule, r.Priority, maxPriority, maxPriority)
	}

	if len(r.Conditions) > maxParts {
		return fmt.Errorf("%w: rule has %d conditions, maximum allowed is %d", ErrInvalidRule, len(r.Conditions), maxParts)
	}
	if len(r.Actions) > maxParts {
		return fmt.Errorf("%w: rule has %d actions, maximum allowed is %d", ErrInvalidRule, len(r.Actions), maxParts)
	}

	for i, c := range r.Conditions {
		if err := validateTypeKey(c.Type); err != nil {
			return fmt.Errorf("%w: conditions[%d]: %v", ErrInvalidRule, i, err)
		}
	}
	for i, a := range r.Actions {
		if err := validateTypeKey(a.Type); err != nil {
			return fmt.Errorf("%w: actions[%d]: %v", ErrInvalidRule, i, err)
		}
	}

	return nil
}

func validateTypeKey(key string) error {
	if key == "" {
		return errors.New("type cannot be empty")
	}
	if !typeKeyPattern.MatchString(key) {
		return fmt.Errorf("type %q must match pattern %s", key, typeKeyPattern)
	}
	return nil
}

// ValidateStoreID checks a store ID is usable as a database key, a Redis
// key segment and a file name.
func ValidateStoreID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidStoreID)
	}
	if len(id) > maxStoreIDLength {
		return fmt.Errorf("%w: length %d exceeds maximum of %d characters", ErrInvalidStoreID, len(id), maxStoreIDLength)
	}
	if !storeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match pattern %s", ErrInvalidStoreID, id, storeIDPattern)
	}
	return nil
}
