package rules

import (
	"fmt"
	"math"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Schema turns a raw Configuration into the decoded value a condition or
// action function receives. Decode runs once per rule compilation.
type Schema interface {
	Decode(cfg Configuration) (any, error)
}

// SchemaFunc adapts a function to the Schema interface.
type SchemaFunc func(cfg Configuration) (any, error)

func (f SchemaFunc) Decode(cfg Configuration) (any, error) { return f(cfg) }

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Typed returns a Schema that decodes into the struct type C. Keys map to
// fields through `mapstructure` tags, unknown keys are rejected, scalars
// are weakly typed ("50" decodes into an int) and comma separated strings
// decode into string slices. A fractional number for an integer field is
// an error rather than truncated. Fields are then checked against their
// `validate` tags, and against C's Validate method when it has one.
func Typed[C any]() Schema {
	return SchemaFunc(func(cfg Configuration) (any, error) {
		var out C
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToSliceHookFunc(","),
				wholeNumberHook,
			),
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           &out,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(map[string]any(cfg)); err != nil {
			return nil, err
		}
		if err := validate.Struct(out); err != nil {
			return nil, err
		}
		if v, ok := any(&out).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// wholeNumberHook lets floats into integer fields only when they have no
// fractional part. JSON and YAML numbers arrive as float64, so 50.0 must
// still decode into an int64 amount.
func wholeNumberHook(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.Float32 && from != reflect.Float64 {
		return data, nil
	}
	switch to {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("%v is not a whole number", f)
	}
	return data, nil
}

// NoConfiguration is a Schema for types that take no configuration keys.
var NoConfiguration Schema = SchemaFunc(func(cfg Configuration) (any, error) {
	if len(cfg) > 0 {
		return nil, fmt.Errorf("takes no configuration, got %d keys", len(cfg))
	}
	return struct{}{}, nil
})

// ConditionFunc evaluates a decoded configuration against a cart. It must
// not modify the cart. Missing cart data is reported as false, not as an
// error.
type ConditionFunc func(cfg any, cart *Cart) (bool, error)

// ActionFunc applies a decoded configuration to a cart.
type ActionFunc func(cfg any, cart *Cart) error

// Check adapts a typed, total predicate to a ConditionFunc.
func Check[C any](fn func(cfg C, cart *Cart) bool) ConditionFunc {
	return func(cfg any, cart *Cart) (bool, error) {
		c, ok := cfg.(C)
		if !ok {
			return false, fmt.Errorf("%w: unexpected configuration type %T", ErrConfiguration, cfg)
		}
		return fn(c, cart), nil
	}
}

// Execute adapts a typed mutation to an ActionFunc.
func Execute[C any](fn func(cfg C, cart *Cart) error) ActionFunc {
	return func(cfg any, cart *Cart) error {
		c, ok := cfg.(C)
		if !ok {
			return fmt.Errorf("%w: unexpected configuration type %T", ErrConfiguration, cfg)
		}
		return fn(c, cart)
	}
}
