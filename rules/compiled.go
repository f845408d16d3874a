package rules

import "fmt"

type compiledCondition struct {
	typ *ConditionType
	cfg any
}

func (c compiledCondition) check(cart *Cart) (bool, error) {
	return c.typ.Check(c.cfg, cart)
}

type compiledAction struct {
	typ *ActionType
	cfg any
}

func compileCondition(reg *Registry, c Condition) (compiledCondition, error) {
	t, err := reg.ResolveCondition(c.Type)
	if err != nil {
		return compiledCondition{}, err
	}
	cfg, err := t.Schema.Decode(c.Configuration)
	if err != nil {
		return compiledCondition{}, &ConfigurationError{Kind: KindCondition, Type: c.Type, Err: err}
	}
	return compiledCondition{typ: t, cfg: cfg}, nil
}

func compileAction(reg *Registry, a Action) (compiledAction, error) {
	t, err := reg.ResolveAction(a.Type)
	if err != nil {
		return compiledAction{}, err
	}
	cfg, err := t.Schema.Decode(a.Configuration)
	if err != nil {
		return compiledAction{}, &ConfigurationError{Kind: KindAction, Type: a.Type, Err: err}
	}
	return compiledAction{typ: t, cfg: cfg}, nil
}

// combine folds condition results under policy, short-circuiting. With no
// conditions PolicyAll yields true and PolicyAny yields false.
func combine(policy Policy, conds []compiledCondition, cart *Cart) (bool, error) {
	if policy == PolicyAny {
		for _, c := range conds {
			ok, err := c.check(cart)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	for _, c := range conds {
		ok, err := c.check(cart)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// CompiledRule is a rule whose conditions and actions have been resolved
// against a registry and whose configurations have been decoded.
type CompiledRule struct {
	Rule       *Rule
	conditions []compiledCondition
	actions    []compiledAction
}

// Compile resolves every condition and action of rule. It returns the first
// UnknownTypeError or ConfigurationError. The compiled rule keeps its own
// copy of the rule definition.
func (r *Registry) Compile(rule *Rule) (*CompiledRule, error) {
	if !rule.Policy.Valid() {
		return nil, fmt.Errorf("rule %s: unknown policy %q", rule.ID, rule.Policy)
	}
	cr := &CompiledRule{Rule: rule.Clone()}
	for i, c := range rule.Conditions {
		cc, err := compileCondition(r, c)
		if err != nil {
			return nil, fmt.Errorf("rule %s: conditions[%d]: %w", rule.ID, i, err)
		}
		cr.conditions = append(cr.conditions, cc)
	}
	for i, a := range rule.Actions {
		ca, err := compileAction(r, a)
		if err != nil {
			return nil, fmt.Errorf("rule %s: actions[%d]: %w", rule.ID, i, err)
		}
		cr.actions = append(cr.actions, ca)
	}
	return cr, nil
}

// Matches reports whether the cart satisfies the rule conditions under the
// rule policy. It does not consider the Active flag.
func (cr *CompiledRule) Matches(cart *Cart) (bool, error) {
	return combine(cr.Rule.EffectivePolicy(), cr.conditions, cart)
}

// Apply executes the rule actions in attachment order when the rule is
// active and matches. Actions run against a copy of the cart which replaces
// *cart only if every action succeeds, so a failing rule leaves no trace.
func (cr *CompiledRule) Apply(cart *Cart) (applied bool, err error) {
	if !cr.Rule.Active {
		return false, nil
	}
	matched, err := cr.Matches(cart)
	if err != nil || !matched {
		return false, err
	}
	if err := cr.execute(cart); err != nil {
		return false, err
	}
	return true, nil
}

// execute runs the actions without checking conditions.
func (cr *CompiledRule) execute(cart *Cart) error {
	work := cart.Clone()
	before := len(work.Adjustments)
	for i, a := range cr.actions {
		if err := a.typ.Execute(a.cfg, work); err != nil {
			return fmt.Errorf("rule %s: actions[%d] %s: %w", cr.Rule.ID, i, a.typ.Key, err)
		}
	}
	for i := before; i < len(work.Adjustments); i++ {
		if work.Adjustments[i].Rule == "" {
			work.Adjustments[i].Rule = cr.Rule.ID
		}
	}
	*cart = *work
	return nil
}
