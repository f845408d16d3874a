package rules

import "slices"

// ConditionType is a registered condition family.
type ConditionType struct {
	Key    string
	Schema Schema
	Check  ConditionFunc
}

// Evaluate decodes cfg and checks it against the cart.
func (t *ConditionType) Evaluate(cfg Configuration, cart *Cart) (bool, error) {
	decoded, err := t.Schema.Decode(cfg)
	if err != nil {
		return false, &ConfigurationError{Kind: KindCondition, Type: t.Key, Err: err}
	}
	return t.Check(decoded, cart)
}

// ActionType is a registered action family.
type ActionType struct {
	Key     string
	Schema  Schema
	Execute ActionFunc
}

// Apply decodes cfg and applies it to the cart.
func (t *ActionType) Apply(cfg Configuration, cart *Cart) error {
	decoded, err := t.Schema.Decode(cfg)
	if err != nil {
		return &ConfigurationError{Kind: KindAction, Type: t.Key, Err: err}
	}
	return t.Execute(decoded, cart)
}

// Builder collects registrations. It is used during process startup only.
type Builder struct {
	conditions map[string]*ConditionType
	actions    map[string]*ActionType
	// lookup is the registry Build fills in; nested conditions hold it
	// before it is populated.
	lookup *Registry
}

// Extension registers additional condition or action types.
type Extension func(b *Builder) error

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		conditions: make(map[string]*ConditionType),
		actions:    make(map[string]*ActionType),
		lookup:     &Registry{},
	}
}

// RegisterCondition adds a condition type. Registering a key twice fails
// with a DuplicateTypeError.
func (b *Builder) RegisterCondition(key string, schema Schema, fn ConditionFunc) error {
	if _, exists := b.conditions[key]; exists {
		return &DuplicateTypeError{Kind: KindCondition, Type: key}
	}
	b.conditions[key] = &ConditionType{Key: key, Schema: schema, Check: fn}
	return nil
}

// RegisterAction adds an action type. Registering a key twice fails with a
// DuplicateTypeError.
func (b *Builder) RegisterAction(key string, schema Schema, fn ActionFunc) error {
	if _, exists := b.actions[key]; exists {
		return &DuplicateTypeError{Kind: KindAction, Type: key}
	}
	b.actions[key] = &ActionType{Key: key, Schema: schema, Execute: fn}
	return nil
}

// Registry returns the registry this builder will produce. Its contents are
// only populated by Build; it exists so condition types that compose other
// conditions can hold a reference at registration time.
func (b *Builder) Registry() *Registry { return b.lookup }

// Build freezes the registrations into an immutable Registry. The builder
// must not be used afterwards.
func (b *Builder) Build() *Registry {
	r := b.lookup
	r.conditions = b.conditions
	r.actions = b.actions
	b.conditions, b.actions = nil, nil
	return r
}

// Registry maps type keys to condition and action behaviour. It is never
// written after Build, so concurrent reads need no locking.
type Registry struct {
	conditions map[string]*ConditionType
	actions    map[string]*ActionType
}

// NewDefaultRegistry builds a registry holding the built-in shipping
// conditions and actions, followed by the given extensions.
func NewDefaultRegistry(extensions ...Extension) (*Registry, error) {
	b := NewBuilder()
	if err := RegisterBuiltinConditions(b); err != nil {
		return nil, err
	}
	if err := RegisterBuiltinActions(b); err != nil {
		return nil, err
	}
	for _, ext := range extensions {
		if err := ext(b); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// ResolveCondition returns the condition type registered under key.
func (r *Registry) ResolveCondition(key string) (*ConditionType, error) {
	t, ok := r.conditions[key]
	if !ok {
		return nil, &UnknownTypeError{Kind: KindCondition, Type: key}
	}
	return t, nil
}

// ResolveAction returns the action type registered under key.
func (r *Registry) ResolveAction(key string) (*ActionType, error) {
	t, ok := r.actions[key]
	if !ok {
		return nil, &UnknownTypeError{Kind: KindAction, Type: key}
	}
	return t, nil
}

// ConditionTypes lists registered condition keys in lexical order.
func (r *Registry) ConditionTypes() []string {
	keys := make([]string, 0, len(r.conditions))
	for k := range r.conditions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ActionTypes lists registered action keys in lexical order.
func (r *Registry) ActionTypes() []string {
	keys := make([]string, 0, len(r.actions))
	for k := range r.actions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EvaluateCondition resolves and evaluates a single condition.
func (r *Registry) EvaluateCondition(c Condition, cart *Cart) (bool, error) {
	t, err := r.ResolveCondition(c.Type)
	if err != nil {
		return false, err
	}
	return t.Evaluate(c.Configuration, cart)
}

// ExecuteAction resolves and applies a single action.
func (r *Registry) ExecuteAction(a Action, cart *Cart) error {
	t, err := r.ResolveAction(a.Type)
	if err != nil {
		return err
	}
	return t.Apply(a.Configuration, cart)
}
