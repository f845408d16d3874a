package rules

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// RuleStore persists the rules of one shop store. Implementations return
// copies, wrap ErrRuleNotFound for unknown IDs and ErrRuleExists for
// duplicate adds. Add and Update stamp the timestamps on the passed rule.
type RuleStore interface {
	Add(rule *Rule) error
	Get(id string) (*Rule, error)
	// List returns every rule, active or not.
	List() ([]*Rule, error)
	ListActive() ([]*Rule, error)
	Update(rule *Rule) error
	Delete(id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Listing preserves insertion order, which is the tie-break for rules of
// equal priority.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	order []string
	mu    sync.RWMutex
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.rules[rule.ID]; dup {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	s.order = append(s.order, rule.ID)
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns every rule in insertion order
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	return s.list(false), nil
}

// ListActive returns all active rules in insertion order
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	return s.list(true), nil
}

func (s *InMemoryRuleStore) list(activeOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		rule := s.rules[id]
		if activeOnly && !rule.Active {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out
}

// Update keeps the stored CreatedAt.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}
