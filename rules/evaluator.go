package rules

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/liamcoop/cartrules/internal/logger"
)

// Observer receives evaluation events, typically to export metrics.
type Observer interface {
	// RuleEvaluated is called once per rule in evaluation order.
	RuleEvaluated(result Result)
	// PassCompleted is called after every EvaluateAll pass.
	PassCompleted(rules int, elapsed time.Duration)
}

// Evaluation is the outcome of one pass over a cart.
type Evaluation struct {
	// Cart is the final cart state after every applied rule.
	Cart *Cart
	// Results holds one entry per rule in evaluation order.
	Results []Result
}

// Applied returns the IDs of applied rules in the order they were applied.
func (e *Evaluation) Applied() []string {
	var ids []string
	for _, r := range e.Results {
		if r.Applied {
			ids = append(ids, r.RuleID)
		}
	}
	return ids
}

// Err joins the errors of every rule that failed. It is nil when no rule
// failed.
func (e *Evaluation) Err() error {
	var errs []error
	for _, r := range e.Results {
		if r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	return errors.Join(errs...)
}

// Evaluator runs rules against carts. It holds no per-cart state and may be
// shared by goroutines evaluating different carts.
type Evaluator struct {
	registry *Registry
	observer Observer
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithObserver installs an Observer.
func WithObserver(o Observer) EvaluatorOption {
	return func(ev *Evaluator) { ev.observer = o }
}

// NewEvaluator creates an evaluator resolving types through registry.
func NewEvaluator(registry *Registry, opts ...EvaluatorOption) *Evaluator {
	ev := &Evaluator{registry: registry}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Registry returns the registry the evaluator compiles against.
func (ev *Evaluator) Registry() *Registry { return ev.registry }

type candidate struct {
	rule     *Rule
	compiled *CompiledRule
	err      error
}

// EvaluateAll compiles and evaluates rules against a copy of cart.
//
// Rules run in ascending Priority; equal priorities keep their input order.
// Each applied rule mutates the working cart and later rules see the
// change. A rule that fails to compile or whose actions fail is recorded
// and skipped; the remaining rules still run. The input cart is not
// modified.
func (ev *Evaluator) EvaluateAll(rules []*Rule, cart *Cart) *Evaluation {
	candidates := make([]candidate, len(rules))
	for i, r := range rules {
		candidates[i].rule = r
		if !r.Active {
			continue
		}
		candidates[i].compiled, candidates[i].err = ev.registry.Compile(r)
	}
	return ev.run(candidates, cart)
}

// Run evaluates rules compiled earlier with Registry.Compile. It follows
// the ordering and mutation rules of EvaluateAll.
func (ev *Evaluator) Run(compiled []*CompiledRule, cart *Cart) *Evaluation {
	candidates := make([]candidate, len(compiled))
	for i, cr := range compiled {
		candidates[i] = candidate{rule: cr.Rule, compiled: cr}
	}
	return ev.run(candidates, cart)
}

func (ev *Evaluator) run(candidates []candidate, cart *Cart) *Evaluation {
	start := time.Now()

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(a.rule.Priority, b.rule.Priority)
	})

	eval := &Evaluation{
		Cart:    cart.Clone(),
		Results: make([]Result, 0, len(candidates)),
	}
	for _, c := range candidates {
		res := ev.evaluateOne(c, eval.Cart)
		eval.Results = append(eval.Results, res)
		if ev.observer != nil {
			ev.observer.RuleEvaluated(res)
		}
	}

	if ev.observer != nil {
		ev.observer.PassCompleted(len(candidates), time.Since(start))
	}
	return eval
}

func (ev *Evaluator) evaluateOne(c candidate, cart *Cart) Result {
	res := Result{
		RuleID:   c.rule.ID,
		RuleName: c.rule.Name,
		Priority: c.rule.Priority,
	}

	if !c.rule.Active {
		res.Skipped = true
		return res
	}
	if c.err != nil {
		logger.RuleSkipped(c.rule.ID, c.err)
		res.Skipped = true
		res.Error = c.err
		return res
	}

	matched, err := c.compiled.Matches(cart)
	if err != nil {
		logger.RuleFailed(c.rule.ID, "conditions", err)
		res.Error = err
		return res
	}
	res.Matched = matched
	if !matched {
		return res
	}

	if err := c.compiled.execute(cart); err != nil {
		logger.RuleFailed(c.rule.ID, "actions", err)
		res.Error = err
		return res
	}
	res.Applied = true
	return res
}
