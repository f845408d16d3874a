package rules

import (
	"fmt"
	"time"
)

// Configuration is the plain key/value payload of a condition or action.
type Configuration map[string]any

// Policy controls how a rule combines the results of its conditions.
type Policy string

const (
	// PolicyAll matches when every condition matches. No conditions always matches.
	PolicyAll Policy = "all"
	// PolicyAny matches when at least one condition matches. No conditions never matches.
	PolicyAny Policy = "any"
)

// Valid reports whether p is a known policy. The empty policy is treated as PolicyAll.
func (p Policy) Valid() bool {
	switch p {
	case "", PolicyAll, PolicyAny:
		return true
	}
	return false
}

// Condition is a typed, configurable predicate attached to a rule.
type Condition struct {
	Type          string        `json:"type" yaml:"type"`
	Configuration Configuration `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// Action is a typed, configurable mutation attached to a rule.
type Action struct {
	Type          string        `json:"type" yaml:"type"`
	Configuration Configuration `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// Rule bundles conditions and actions under a combination policy.
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	Policy      Policy      `json:"policy" yaml:"policy"`
	Active      bool        `json:"active" yaml:"active"`
	Priority    int         `json:"priority" yaml:"priority"`
	CreatedAt   time.Time   `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// EffectivePolicy returns the rule policy, defaulting to PolicyAll.
func (r *Rule) EffectivePolicy() Policy {
	if r.Policy == "" {
		return PolicyAll
	}
	return r.Policy
}

// AddCondition appends a condition. The slice is replaced so that compiled
// copies of the previous version keep their own conditions.
func (r *Rule) AddCondition(c Condition) {
	next := make([]Condition, 0, len(r.Conditions)+1)
	next = append(next, r.Conditions...)
	r.Conditions = append(next, c)
}

// RemoveCondition removes the condition at index i.
func (r *Rule) RemoveCondition(i int) error {
	if i < 0 || i >= len(r.Conditions) {
		return fmt.Errorf("condition index %d out of range [0,%d)", i, len(r.Conditions))
	}
	next := make([]Condition, 0, len(r.Conditions)-1)
	next = append(next, r.Conditions[:i]...)
	r.Conditions = append(next, r.Conditions[i+1:]...)
	return nil
}

// AddAction appends an action. Actions execute in attachment order.
func (r *Rule) AddAction(a Action) {
	next := make([]Action, 0, len(r.Actions)+1)
	next = append(next, r.Actions...)
	r.Actions = append(next, a)
}

// RemoveAction removes the action at index i.
func (r *Rule) RemoveAction(i int) error {
	if i < 0 || i >= len(r.Actions) {
		return fmt.Errorf("action index %d out of range [0,%d)", i, len(r.Actions))
	}
	next := make([]Action, 0, len(r.Actions)-1)
	next = append(next, r.Actions[:i]...)
	r.Actions = append(next, r.Actions[i+1:]...)
	return nil
}

// Deactivate turns the rule off. Rules are deactivated rather than deleted
// in normal operation.
func (r *Rule) Deactivate() { r.Active = false }

// Activate turns the rule on.
func (r *Rule) Activate() { r.Active = true }

// Clone returns a copy of the rule that shares no slices with r.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = append([]Action(nil), r.Actions...)
	return &c
}

// Result contains the outcome of evaluating one rule during a pass.
type Result struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Priority int    `json:"priority"`
	Matched  bool   `json:"matched"`
	Applied  bool   `json:"applied"`
	// Skipped is set for inactive rules and rules that failed to compile.
	Skipped bool  `json:"skipped,omitempty"`
	Error   error `json:"-"`
}
