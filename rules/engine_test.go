package rules

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, store RuleStore, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(store, newTestRegistry(t), opts...)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func austriaRule(id string, priority int, price int64) *Rule {
	return &Rule{
		ID:         id,
		Name:       "Austria " + id,
		Active:     true,
		Priority:   priority,
		Conditions: []Condition{{Type: ConditionCountries, Configuration: Configuration{"countries": []any{"AT"}}}},
		Actions:    []Action{{Type: ActionPrice, Configuration: Configuration{"price": price}}},
	}
}

func austrianCart() *Cart {
	return &Cart{
		ID:       "cart",
		Address:  &Address{Country: "AT", Postcode: "1010"},
		Items:    []Item{{ProductID: "p1", Quantity: 1, Price: 2000}},
		Shipping: Shipping{Carrier: "post", Price: 500},
	}
}

func TestNewEngineCompilesExistingRules(t *testing.T) {
	store := NewInMemoryRuleStore()
	for _, r := range []*Rule{austriaRule("a", 1, 100), austriaRule("b", 2, 200)} {
		if err := store.Add(r); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
	}

	engine := newTestEngine(t, store)

	eval, err := engine.EvaluateAll(austrianCart())
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if eval.Cart.Shipping.Price != 200 {
		t.Errorf("Shipping.Price = %d, want 200", eval.Cart.Shipping.Price)
	}
}

func TestNewEngineToleratesBrokenStoredRules(t *testing.T) {
	store := NewInMemoryRuleStore()
	broken := &Rule{ID: "broken", Name: "broken", Active: true, Conditions: []Condition{{Type: "moonPhase"}}}
	if err := store.Add(broken); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(austriaRule("ok", 1, 0)); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	engine := newTestEngine(t, store)

	eval, err := engine.EvaluateAll(austrianCart())
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if !slices.Equal(eval.Applied(), []string{"ok"}) {
		t.Errorf("Applied() = %v, want [ok]", eval.Applied())
	}
	if !errors.Is(eval.Err(), ErrUnknownType) {
		t.Errorf("Err() = %v, want ErrUnknownType", eval.Err())
	}
}

func TestEngineAddRule(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())

	if err := engine.AddRule(austriaRule("a", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	if err := engine.AddRule(austriaRule("a", 0, 0)); !errors.Is(err, ErrRuleExists) {
		t.Errorf("AddRule() duplicate error = %v, want ErrRuleExists", err)
	}

	bad := &Rule{ID: "bad", Name: "bad", Active: true, Actions: []Action{{Type: "teleport"}}}
	if err := engine.AddRule(bad); !errors.Is(err, ErrUnknownType) {
		t.Errorf("AddRule() unknown type error = %v, want ErrUnknownType", err)
	}
	if _, err := engine.GetRule("bad"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Rule failing validation should not be stored, GetRule() error = %v", err)
	}

	rule, err := engine.GetRule("a")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if rule.CreatedAt.IsZero() || rule.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestEngineUpdateRule(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())
	if err := engine.AddRule(austriaRule("a", 0, 100)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	rule, _ := engine.GetRule("a")
	rule.Actions = []Action{{Type: ActionPrice, Configuration: Configuration{"price": 42}}}
	if err := engine.UpdateRule(rule); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	eval, err := engine.EvaluateAll(austrianCart())
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if eval.Cart.Shipping.Price != 42 {
		t.Errorf("Shipping.Price = %d, want 42 after update", eval.Cart.Shipping.Price)
	}

	rule.Actions = []Action{{Type: ActionPrice, Configuration: Configuration{"price": "free"}}}
	if err := engine.UpdateRule(rule); !errors.Is(err, ErrConfiguration) {
		t.Errorf("UpdateRule() error = %v, want ErrConfiguration", err)
	}

	if err := engine.UpdateRule(austriaRule("missing", 0, 0)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("UpdateRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestEngineModifyRule(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())
	if err := engine.AddRule(austriaRule("a", 0, 100)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	rule, err := engine.ModifyRule("a", func(r *Rule) error {
		r.AddAction(Action{Type: ActionCarrier, Configuration: Configuration{"carrier": "dhl"}})
		return r.RemoveCondition(0)
	})
	if err != nil {
		t.Fatalf("ModifyRule() failed: %v", err)
	}
	if len(rule.Conditions) != 0 || len(rule.Actions) != 2 {
		t.Errorf("rule has %d conditions and %d actions, want 0 and 2", len(rule.Conditions), len(rule.Actions))
	}

	// Without conditions the rule now matches a German cart too.
	cart := austrianCart()
	cart.Address.Country = "DE"
	eval, err := engine.EvaluateAll(cart)
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if eval.Cart.Shipping.Carrier != "dhl" || eval.Cart.Shipping.Price != 100 {
		t.Errorf("Shipping = %+v, want dhl/100", eval.Cart.Shipping)
	}

	if _, err := engine.ModifyRule("a", func(r *Rule) error { return r.RemoveAction(5) }); err == nil {
		t.Error("Expected error removing an out of range action, got nil")
	}
}

func TestEngineDeactivateAndActivate(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())
	if err := engine.AddRule(austriaRule("a", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	if _, err := engine.DeactivateRule("a"); err != nil {
		t.Fatalf("DeactivateRule() failed: %v", err)
	}
	eval, err := engine.EvaluateAll(austrianCart())
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if len(eval.Results) != 0 || eval.Cart.Shipping.Price != 500 {
		t.Errorf("Expected no active rules, got %+v", eval.Results)
	}

	// A single inactive rule can still be evaluated and is reported as skipped.
	single, err := engine.Evaluate("a", austrianCart())
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if len(single.Results) != 1 || !single.Results[0].Skipped {
		t.Errorf("Evaluate() results = %+v, want one skipped", single.Results)
	}

	if _, err := engine.ActivateRule("a"); err != nil {
		t.Fatalf("ActivateRule() failed: %v", err)
	}
	eval, _ = engine.EvaluateAll(austrianCart())
	if eval.Cart.Shipping.Price != 0 {
		t.Errorf("Shipping.Price = %d, want 0 after reactivation", eval.Cart.Shipping.Price)
	}

	if _, err := engine.DeactivateRule("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeactivateRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestEngineDeleteRule(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())
	if err := engine.AddRule(austriaRule("a", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if err := engine.DeleteRule("a"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if err := engine.DeleteRule("a"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeleteRule() error = %v, want ErrRuleNotFound", err)
	}
	if _, err := engine.Evaluate("a", austrianCart()); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Evaluate() error = %v, want ErrRuleNotFound", err)
	}
	rules, _ := engine.ListRules()
	if len(rules) != 0 {
		t.Errorf("ListRules() = %d rules, want 0", len(rules))
	}
}

func TestEngineUsesCache(t *testing.T) {
	store := NewInMemoryRuleStore()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	engine := newTestEngine(t, store, WithCache(cache))

	if !cache.IsValid() {
		t.Fatal("Expected NewEngine to populate the cache")
	}
	if err := engine.AddRule(austriaRule("a", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if cache.IsValid() {
		t.Error("Expected AddRule to invalidate the cache")
	}

	if _, err := engine.EvaluateAll(austrianCart()); err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if !cache.IsValid() {
		t.Error("Expected EvaluateAll to refill the cache")
	}

	// Writes that bypass the engine are not seen until Reload.
	if err := store.Add(austriaRule("b", 1, 77)); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	eval, _ := engine.EvaluateAll(austrianCart())
	if eval.Cart.Shipping.Price != 0 {
		t.Errorf("Shipping.Price = %d, want 0 from cached rules", eval.Cart.Shipping.Price)
	}
	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	eval, _ = engine.EvaluateAll(austrianCart())
	if eval.Cart.Shipping.Price != 77 {
		t.Errorf("Shipping.Price = %d, want 77 after Reload", eval.Cart.Shipping.Price)
	}
}

func TestEngineRecompilesChangedCachedRule(t *testing.T) {
	store := NewInMemoryRuleStore()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	engine := newTestEngine(t, store, WithCache(cache))
	if err := engine.AddRule(austriaRule("a", 0, 10)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	// Another instance sharing the cache stored a newer version.
	changed, _ := store.Get("a")
	changed.Actions = []Action{{Type: ActionPrice, Configuration: Configuration{"price": 20}}}
	if err := store.Update(changed); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	cache.Set([]*Rule{changed})

	eval, err := engine.EvaluateAll(austrianCart())
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if eval.Cart.Shipping.Price != 20 {
		t.Errorf("Shipping.Price = %d, want 20 from the newer version", eval.Cart.Shipping.Price)
	}
}

func TestEngineConcurrentAccess(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())
	if err := engine.AddRule(austriaRule("base", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := engine.EvaluateAll(austrianCart()); err != nil {
				t.Errorf("EvaluateAll() failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			r := austriaRule("r"+string(rune('a'+i)), i, int64(i))
			if err := engine.AddRule(r); err != nil {
				t.Errorf("AddRule() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rules, err := engine.ListRules()
	if err != nil {
		t.Fatalf("ListRules() failed: %v", err)
	}
	if len(rules) != 21 {
		t.Errorf("ListRules() = %d rules, want 21", len(rules))
	}
}

// pausingStore holds one ListActive call after it has read the store,
// until release is closed.
type pausingStore struct {
	RuleStore
	pause   atomic.Bool
	listed  chan struct{}
	release chan struct{}
}

func (s *pausingStore) ListActive() ([]*Rule, error) {
	rules, err := s.RuleStore.ListActive()
	if s.pause.CompareAndSwap(true, false) {
		close(s.listed)
		<-s.release
	}
	return rules, err
}

func TestEngineDoesNotCacheListReadBeforeMutation(t *testing.T) {
	store := &pausingStore{
		RuleStore: NewInMemoryRuleStore(),
		listed:    make(chan struct{}),
		release:   make(chan struct{}),
	}
	engine := newTestEngine(t, store)
	if err := engine.AddRule(austriaRule("a", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	store.pause.Store(true)
	done := make(chan *Evaluation, 1)
	go func() {
		eval, err := engine.EvaluateAll(austrianCart())
		if err != nil {
			t.Errorf("EvaluateAll() failed: %v", err)
		}
		done <- eval
	}()

	<-store.listed
	if err := engine.AddRule(austriaRule("new", 1, 42)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	close(store.release)

	if eval := <-done; eval != nil && !slices.Equal(eval.Applied(), []string{"a"}) {
		t.Errorf("in-flight Applied() = %v, want [a]", eval.Applied())
	}

	eval, err := engine.EvaluateAll(austrianCart())
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if !slices.Equal(eval.Applied(), []string{"a", "new"}) {
		t.Errorf("Applied() = %v, want [a new]", eval.Applied())
	}
	if eval.Cart.Shipping.Price != 42 {
		t.Errorf("Shipping.Price = %d, want 42 from the added rule", eval.Cart.Shipping.Price)
	}
}

func TestEngineConcurrentModifyRule(t *testing.T) {
	engine := newTestEngine(t, NewInMemoryRuleStore())
	if err := engine.AddRule(austriaRule("a", 0, 0)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	const writers = 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ModifyRule("a", func(r *Rule) error {
				time.Sleep(time.Millisecond)
				r.AddAction(Action{Type: ActionAttribute, Configuration: Configuration{"key": "k", "value": i}})
				return nil
			})
			if err != nil {
				t.Errorf("ModifyRule() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rule, err := engine.GetRule("a")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if len(rule.Actions) != writers+1 {
		t.Errorf("rule has %d actions, want %d", len(rule.Actions), writers+1)
	}
}
