package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/cartrules/internal/logger"
)

// ruleFile is the YAML document layout:
//
//	rules:
//	  - id: free-shipping-at
//	    name: Free shipping in Austria
//	    active: true
//	    priority: 10
//	    conditions:
//	      - type: countries
//	        configuration: {countries: [AT]}
//	    actions:
//	      - type: price
//	        configuration: {price: 0}
type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRulesFile reads rules from a YAML file. Rules without an ID get one
// derived from their name, so the ID is stable across reloads.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		if r == nil {
			return nil, fmt.Errorf("rules[%d] is empty", i)
		}
		if r.ID == "" {
			r.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(r.Name)).String()
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rules[%d]: rule with ID %s: %w", i, r.ID, ErrRuleExists)
		}
		seen[r.ID] = true
	}
	return doc.Rules, nil
}

// FileRuleStore implements RuleStore over a YAML file. Reads are served
// from memory; mutations are written back to the file.
type FileRuleStore struct {
	path     string
	mu       sync.Mutex // serializes file writes and reloads
	mem      *InMemoryRuleStore
	debounce time.Duration
}

// DefaultWatchDebounce is how long Watch waits after the last file event
// before reloading.
const DefaultWatchDebounce = 100 * time.Millisecond

// NewFileRuleStore loads path. A missing file is treated as an empty rule set
// and is created on the first mutation.
func NewFileRuleStore(path string) (*FileRuleStore, error) {
	s := &FileRuleStore{path: path, mem: NewInMemoryRuleStore(), debounce: DefaultWatchDebounce}
	if err := s.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileRuleStore) Path() string { return s.path }

// Reload replaces the in-memory rules with the file contents.
func (s *FileRuleStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := LoadRulesFile(s.path)
	if err != nil {
		return err
	}
	mem := NewInMemoryRuleStore()
	for _, r := range loaded {
		created, updated := r.CreatedAt, r.UpdatedAt
		if err := mem.Add(r); err != nil {
			return err
		}
		// Keep timestamps recorded in the file.
		if !created.IsZero() {
			mem.rules[r.ID].CreatedAt = created
		}
		if !updated.IsZero() {
			mem.rules[r.ID].UpdatedAt = updated
		}
	}
	s.mem = mem
	return nil
}

func (s *FileRuleStore) save() error {
	all, err := s.mem.List()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(ruleFile{Rules: all})
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace rules file: %w", err)
	}
	return nil
}

func (s *FileRuleStore) mutate(fn func(mem *InMemoryRuleStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.mem); err != nil {
		return err
	}
	return s.save()
}

func (s *FileRuleStore) current() *InMemoryRuleStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

// Add adds a rule and persists the file
func (s *FileRuleStore) Add(rule *Rule) error {
	return s.mutate(func(mem *InMemoryRuleStore) error { return mem.Add(rule) })
}

// Get retrieves a rule by ID
func (s *FileRuleStore) Get(id string) (*Rule, error) { return s.current().Get(id) }

// List returns every rule in file order
func (s *FileRuleStore) List() ([]*Rule, error) { return s.current().List() }

// ListActive returns active rules in file order
func (s *FileRuleStore) ListActive() ([]*Rule, error) { return s.current().ListActive() }

// Update replaces a rule and persists the file
func (s *FileRuleStore) Update(rule *Rule) error {
	return s.mutate(func(mem *InMemoryRuleStore) error { return mem.Update(rule) })
}

// Delete removes a rule and persists the file
func (s *FileRuleStore) Delete(id string) error {
	return s.mutate(func(mem *InMemoryRuleStore) error { return mem.Delete(id) })
}

// Watch reloads the store once the file has been quiet for the debounce
// interval and then calls onChange. No reload or onChange call is running
// once Watch has returned. An editor truncating and rewriting the
// file produces several events; only the final content is loaded. It
// watches the parent directory because editors and save() replace the file
// by renaming. Watch blocks until ctx is done.
func (s *FileRuleStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	debounce := newDebouncer(s.debounce)
	defer debounce.Stop()
	reload := func() {
		if err := s.Reload(); err != nil {
			logger.Error("failed to reload rules file", "path", s.path, "error", err)
			return
		}
		logger.Info("rules file reloaded", "path", s.path)
		if onChange != nil {
			onChange()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			logger.Debug("rules file event", "path", ev.Name, "op", ev.Op.String())
			debounce.Trigger(reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rules file watcher error", "path", s.path, "error", err)
		}
	}
}

// debouncer runs the last triggered callback once no trigger has arrived
// for interval.
type debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
	running  sync.WaitGroup // callbacks in flight
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	cb := d.callback
	if d.stopped || cb == nil {
		d.mu.Unlock()
		return
	}
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	cb()
}

// Stop cancels any pending callback and waits for one already running, so
// no callback runs after Stop returns.
func (d *debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
	d.mu.Unlock()

	d.running.Wait()
}
