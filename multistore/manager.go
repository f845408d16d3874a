// Package multistore keeps one rules engine per shop store.
package multistore

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/cartrules/internal/logger"
	"github.com/liamcoop/cartrules/rules"
)

var (
	// ErrStoreNotFound is returned for store IDs the manager does not hold.
	ErrStoreNotFound = errors.New("store not found")
	// ErrStoreExists is returned when creating a store that is already loaded.
	ErrStoreExists = errors.New("store already exists")
)

// StoreFactory opens the rule store backing one shop store.
type StoreFactory interface {
	// Register records the shop store in the backend. It is called once
	// when a store is created, not when it is loaded.
	Register(storeID, name string) error
	// Open returns the rule store for storeID.
	Open(storeID string) (rules.RuleStore, error)
	// Remove deletes the shop store and its rules from the backend.
	Remove(storeID string) error
}

// MemoryStoreFactory keeps rules in process memory.
type MemoryStoreFactory struct{}

func (MemoryStoreFactory) Register(string, string) error { return nil }

func (MemoryStoreFactory) Open(string) (rules.RuleStore, error) {
	return rules.NewInMemoryRuleStore(), nil
}

func (MemoryStoreFactory) Remove(string) error { return nil }

// PostgresStoreFactory stores rules in the stores and rules tables.
type PostgresStoreFactory struct {
	DB *sql.DB
}

func (f PostgresStoreFactory) Register(storeID, name string) error {
	_, err := f.DB.Exec(`
		INSERT INTO stores (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()
	`, storeID, name)
	if err != nil {
		return fmt.Errorf("failed to register store: %w", err)
	}
	return nil
}

func (f PostgresStoreFactory) Open(storeID string) (rules.RuleStore, error) {
	return rules.NewPostgresRuleStore(f.DB, storeID), nil
}

func (f PostgresStoreFactory) Remove(storeID string) error {
	// Rules go with the store through ON DELETE CASCADE.
	if _, err := f.DB.Exec(`DELETE FROM stores WHERE id = $1`, storeID); err != nil {
		return fmt.Errorf("failed to delete store: %w", err)
	}
	return nil
}

// FileStoreFactory keeps each store's rules in Dir/<storeID>.yaml.
type FileStoreFactory struct {
	Dir string
}

func (f FileStoreFactory) path(storeID string) string {
	return filepath.Join(f.Dir, storeID+".yaml")
}

func (f FileStoreFactory) Register(string, string) error {
	return os.MkdirAll(f.Dir, 0o755)
}

func (f FileStoreFactory) Open(storeID string) (rules.RuleStore, error) {
	return rules.NewFileRuleStore(f.path(storeID))
}

func (f FileStoreFactory) Remove(storeID string) error {
	if err := os.Remove(f.path(storeID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete rules file: %w", err)
	}
	return nil
}

// Options configures a Manager.
type Options struct {
	Factory  StoreFactory
	Registry *rules.Registry
	// Redis, when set, shares each store's active rule list between
	// instances. Otherwise every engine caches in memory.
	Redis    redis.UniversalClient
	CacheTTL time.Duration
	// EvaluatorOptions are passed to every engine, e.g. a metrics observer.
	EvaluatorOptions []rules.EvaluatorOption
}

// StoreEngine wraps a rules.Engine with store metadata
type StoreEngine struct {
	StoreID   string
	Name      string
	CreatedAt time.Time
	Engine    *rules.Engine
	Rules     rules.RuleStore
}

// StoreInfo describes a loaded store
type StoreInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager manages engines for all shop stores
type Manager struct {
	opts    Options
	engines map[string]*StoreEngine
	mu      sync.RWMutex
}

// NewManager creates a manager. A nil Factory keeps rules in memory and a
// nil Registry uses the built-in condition and action types.
func NewManager(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		opts.Factory = MemoryStoreFactory{}
	}
	if opts.Registry == nil {
		reg, err := rules.NewDefaultRegistry()
		if err != nil {
			return nil, err
		}
		opts.Registry = reg
	}
	return &Manager{
		opts:    opts,
		engines: make(map[string]*StoreEngine),
	}, nil
}

// Registry returns the registry shared by every store engine.
func (m *Manager) Registry() *rules.Registry { return m.opts.Registry }

func (m *Manager) cacheFor(storeID string) rules.RulesCache {
	cfg := rules.CacheConfig{TTL: m.opts.CacheTTL}
	if m.opts.Redis != nil {
		return rules.NewRedisRulesCache(m.opts.Redis, storeID, cfg)
	}
	return rules.NewInMemoryRulesCache(cfg)
}

func (m *Manager) open(storeID, name string, createdAt time.Time) (*StoreEngine, error) {
	store, err := m.opts.Factory.Open(storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}
	engine, err := rules.NewEngine(store, m.opts.Registry,
		rules.WithCache(m.cacheFor(storeID)),
		rules.WithEvaluatorOptions(m.opts.EvaluatorOptions...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &StoreEngine{
		StoreID:   storeID,
		Name:      name,
		CreatedAt: createdAt,
		Engine:    engine,
		Rules:     store,
	}, nil
}

// CreateStore registers a new shop store and starts its engine
func (m *Manager) CreateStore(storeID, name string) (*StoreEngine, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if name == "" {
		name = storeID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[storeID]; exists {
		return nil, fmt.Errorf("store %s: %w", storeID, ErrStoreExists)
	}
	if err := m.opts.Factory.Register(storeID, name); err != nil {
		return nil, err
	}
	se, err := m.open(storeID, name, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.engines[storeID] = se

	logger.Info("store created", "store_id", storeID)
	return se, nil
}

// LoadStore starts the engine of a store that already exists in the
// backend. Loading a store twice replaces its engine, which recompiles
// every rule.
func (m *Manager) LoadStore(storeID, name string, createdAt time.Time) error {
	se, err := m.open(storeID, name, createdAt)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.engines[storeID] = se
	m.mu.Unlock()
	return nil
}

// LoadAllStores loads every store from the stores table
func (m *Manager) LoadAllStores(db *sql.DB) error {
	rows, err := db.Query(`SELECT id, name, created_at FROM stores ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to fetch stores: %w", err)
	}
	defer rows.Close()

	type row struct {
		id, name  string
		createdAt time.Time
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.name, &r.createdAt); err != nil {
			return fmt.Errorf("failed to scan store row: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating store rows: %w", err)
	}
	// Close before opening engines, which query the same pool.
	rows.Close()

	for _, r := range found {
		if err := m.LoadStore(r.id, r.name, r.createdAt); err != nil {
			return fmt.Errorf("failed to initialize store %s: %w", r.id, err)
		}
	}

	logger.Info("stores loaded", "count", len(found))
	return nil
}

// Get returns the loaded store
func (m *Manager) Get(storeID string) (*StoreEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	se, exists := m.engines[storeID]
	if !exists {
		return nil, fmt.Errorf("store %s: %w", storeID, ErrStoreNotFound)
	}
	return se, nil
}

// GetEngine retrieves the engine for a specific store
func (m *Manager) GetEngine(storeID string) (*rules.Engine, error) {
	se, err := m.Get(storeID)
	if err != nil {
		return nil, err
	}
	return se.Engine, nil
}

// ListStores returns all loaded stores ordered by ID
func (m *Manager) ListStores() []StoreInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stores := make([]StoreInfo, 0, len(m.engines))
	for _, se := range m.engines {
		stores = append(stores, StoreInfo{ID: se.StoreID, Name: se.Name, CreatedAt: se.CreatedAt})
	}
	slices.SortFunc(stores, func(a, b StoreInfo) int { return cmp.Compare(a.ID, b.ID) })
	return stores
}

// DeleteStore removes a store, its rules and its engine
func (m *Manager) DeleteStore(storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[storeID]; !exists {
		return fmt.Errorf("store %s: %w", storeID, ErrStoreNotFound)
	}
	if err := m.opts.Factory.Remove(storeID); err != nil {
		return err
	}
	delete(m.engines, storeID)

	logger.Info("store deleted", "store_id", storeID)
	return nil
}

// Watch hot-reloads every file-backed store whose rules file changes,
// until ctx is done. Stores on other backends are ignored.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	var watched []*StoreEngine
	for _, se := range m.engines {
		if _, ok := se.Rules.(*rules.FileRuleStore); ok {
			watched = append(watched, se)
		}
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, se := range watched {
		fs := se.Rules.(*rules.FileRuleStore)
		g.Go(func() error {
			return fs.Watch(ctx, func() {
				if err := se.Engine.Reload(); err != nil {
					logger.Warn("store reloaded with errors", "store_id", se.StoreID, "error", err)
				}
			})
		})
	}
	return g.Wait()
}

// LoadFileStores loads a store for every <storeID>.yaml file in dir.
func (m *Manager) LoadFileStores(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		storeID := strings.TrimSuffix(filepath.Base(path), ".yaml")
		if ValidateStoreID(storeID) != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if err := m.LoadStore(storeID, storeID, info.ModTime().UTC()); err != nil {
			return fmt.Errorf("failed to initialize store %s: %w", storeID, err)
		}
	}
	return nil
}
