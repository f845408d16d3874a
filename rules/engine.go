package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/liamcoop/cartrules/internal/logger"
)

// Engine manages rule compilation, storage and evaluation for one store.
// It is safe for concurrent use.
type Engine struct {
	registry  *Registry
	evaluator *Evaluator
	store     RuleStore
	cache     RulesCache              // cache for active rules list
	compiled  map[string]*CompiledRule // ruleID -> compiled rule
	mu        sync.RWMutex

	// writeMu serializes mutations so a read-modify-write of a rule is
	// never interleaved with another one.
	writeMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache replaces the default in-memory active rules cache.
func WithCache(cache RulesCache) Option {
	return func(en *Engine) { en.cache = cache }
}

// WithEvaluatorOptions configures the evaluator the engine runs rules with.
func WithEvaluatorOptions(opts ...EvaluatorOption) Option {
	return func(en *Engine) { en.evaluator = NewEvaluator(en.registry, opts...) }
}

// NewEngine creates a rules engine and compiles all active rules of store.
// Rules that fail to compile are logged and reported again on every
// evaluation; they do not prevent the engine from starting.
func NewEngine(store RuleStore, registry *Registry, opts ...Option) (*Engine, error) {
	en := &Engine{
		registry: registry,
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		compiled: make(map[string]*CompiledRule),
	}
	en.evaluator = NewEvaluator(registry)
	for _, opt := range opts {
		opt(en)
	}

	if err := en.CompileAllRules(); err != nil {
		var failures *compileFailures
		if !errors.As(err, &failures) {
			return nil, fmt.Errorf("failed to compile rules: %w", err)
		}
		logger.Warn("some rules failed to compile", "count", len(failures.errs), "error", err)
	}

	return en, nil
}

// Registry returns the registry rules are compiled against.
func (en *Engine) Registry() *Registry { return en.registry }

// compileFailures groups per-rule compile errors so callers can tell them
// apart from store errors.
type compileFailures struct{ errs []error }

func (f *compileFailures) Error() string { return errors.Join(f.errs...).Error() }

func (f *compileFailures) Unwrap() []error { return f.errs }

// CompileRule compiles a rule and caches the result
func (en *Engine) CompileRule(rule *Rule) (*CompiledRule, error) {
	cr, err := en.registry.Compile(rule)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	en.compiled[rule.ID] = cr
	en.mu.Unlock()

	return cr, nil
}

// compiledFor returns the cached compilation of rule, recompiling when the
// cached one belongs to an older version of the rule.
func (en *Engine) compiledFor(rule *Rule) (*CompiledRule, error) {
	en.mu.RLock()
	cr, ok := en.compiled[rule.ID]
	en.mu.RUnlock()

	if ok && cr.Rule.UpdatedAt.Equal(rule.UpdatedAt) {
		// The evaluator reads Active and Priority from the rule it is given.
		if cr.Rule.Active == rule.Active && cr.Rule.Priority == rule.Priority {
			return cr, nil
		}
	}
	return en.CompileRule(rule)
}

// CompileAllRules compiles all active rules from the store
// Also populates the cache with the active rules list
func (en *Engine) CompileAllRules() error {
	gen := en.cache.Generation()
	rules, err := en.store.ListActive()
	if err != nil {
		return err
	}

	var failures []error
	for _, rule := range rules {
		if _, err := en.CompileRule(rule); err != nil {
			failures = append(failures, err)
		}
	}

	en.cache.Fill(gen, rules)

	if len(failures) > 0 {
		return &compileFailures{errs: failures}
	}
	return nil
}

// AddRule validates, compiles and stores a new rule
func (en *Engine) AddRule(r *Rule) error {
	en.writeMu.Lock()
	defer en.writeMu.Unlock()

	// Check if rule already exists before compiling (to avoid overwriting existing programs)
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("rule with ID %s: %w", r.ID, ErrRuleExists)
	} else if !errors.Is(err, ErrRuleNotFound) {
		return err
	}

	// Validate that the rule compiles
	cr, err := en.registry.Compile(r)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	// Then add to store
	if err := en.store.Add(r); err != nil {
		return err
	}
	en.remember(cr, r)

	// Invalidate cache since rules list changed
	en.cache.Invalidate()

	return nil
}

// remember caches cr under the stored version of r, whose timestamps the
// store has just set.
func (en *Engine) remember(cr *CompiledRule, r *Rule) {
	cr.Rule = r.Clone()
	en.mu.Lock()
	en.compiled[r.ID] = cr
	en.mu.Unlock()
}

// UpdateRule validates the new definition, stores it and recompiles
func (en *Engine) UpdateRule(r *Rule) error {
	en.writeMu.Lock()
	defer en.writeMu.Unlock()
	return en.updateRule(r)
}

func (en *Engine) updateRule(r *Rule) error {
	cr, err := en.registry.Compile(r)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(r); err != nil {
		return err
	}
	en.remember(cr, r)

	// Invalidate cache since rule metadata might have changed
	en.cache.Invalidate()

	return nil
}

// ModifyRule loads a rule, applies fn and stores the result as UpdateRule
// does. Concurrent modifications of the same engine run one after another,
// so each fn sees the previous result.
func (en *Engine) ModifyRule(ruleID string, fn func(r *Rule) error) (*Rule, error) {
	en.writeMu.Lock()
	defer en.writeMu.Unlock()

	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	if err := fn(rule); err != nil {
		return nil, err
	}
	if err := en.updateRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeactivateRule turns a rule off without deleting it
func (en *Engine) DeactivateRule(ruleID string) (*Rule, error) {
	return en.ModifyRule(ruleID, func(r *Rule) error {
		r.Deactivate()
		return nil
	})
}

// ActivateRule turns a rule back on
func (en *Engine) ActivateRule(ruleID string) (*Rule, error) {
	return en.ModifyRule(ruleID, func(r *Rule) error {
		r.Activate()
		return nil
	})
}

// DeleteRule removes a rule from the store and compiled programs
func (en *Engine) DeleteRule(ruleID string) error {
	en.writeMu.Lock()
	defer en.writeMu.Unlock()

	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.compiled, ruleID)
	en.mu.Unlock()

	// Invalidate cache since rules list changed
	en.cache.Invalidate()

	return nil
}

// GetRule returns a rule by ID
func (en *Engine) GetRule(ruleID string) (*Rule, error) {
	return en.store.Get(ruleID)
}

// ListRules returns every rule, active or not
func (en *Engine) ListRules() ([]*Rule, error) {
	return en.store.List()
}

// Reload drops compiled rules and the cache, then recompiles from the store.
// It is used when the store changed underneath the engine.
func (en *Engine) Reload() error {
	en.mu.Lock()
	en.compiled = make(map[string]*CompiledRule)
	en.mu.Unlock()
	en.cache.Invalidate()
	return en.CompileAllRules()
}

// activeRules reads the cache, falling back to the store on a miss. The
// generation is read before the store so a list loaded across a mutation
// is used for this evaluation only and never cached.
func (en *Engine) activeRules() ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}

	gen := en.cache.Generation()
	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	en.cache.Fill(gen, rules)
	return rules, nil
}

// EvaluateAll evaluates all active rules against cart.
// The returned error is for store failures only; per-rule failures are in
// the Evaluation results.
func (en *Engine) EvaluateAll(cart *Cart) (*Evaluation, error) {
	rules, err := en.activeRules()
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, len(rules))
	for i, rule := range rules {
		candidates[i].rule = rule
		candidates[i].compiled, candidates[i].err = en.compiledFor(rule)
	}
	return en.evaluator.run(candidates, cart), nil
}

// Evaluate evaluates a single rule, active or not, against cart. Inactive
// rules are reported as skipped.
func (en *Engine) Evaluate(ruleID string, cart *Cart) (*Evaluation, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	c := candidate{rule: rule}
	c.compiled, c.err = en.compiledFor(rule)
	return en.evaluator.run([]candidate{c}, cart), nil
}
