//go:build integration

package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/cartrules/internal/config"
	"github.com/liamcoop/cartrules/internal/testutil/containers"
	"github.com/liamcoop/cartrules/multistore"
	"github.com/liamcoop/cartrules/rules"
)

func TestPostgresServerEndToEnd(t *testing.T) {
	db := containers.NewPostgres(t)
	client := containers.NewRedis(t)

	newServer := func() *Server {
		manager, err := newManager(multistore.Options{
			Factory:  multistore.PostgresStoreFactory{DB: db},
			Redis:    client,
			CacheTTL: time.Minute,
		}, nil)
		require.NoError(t, err)
		require.NoError(t, manager.LoadAllStores(db))
		return NewServer(ServerDeps{
			Manager: manager,
			Limits:  config.EvaluationConfig{MaxBatchSize: 10, MaxConcurrency: 4},
			DB:      db,
		})
	}

	s := newServer()
	var health HealthResponse
	rec := do(t, s, http.MethodGet, "/api/v1/health", nil, &health)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", health.Status)

	createStore(t, s, "shop-at")
	rule := createRule(t, s, "shop-at", austriaFlatRate(0, 10))

	var resp EvaluateResponse
	do(t, s, http.MethodPost, "/api/v1/stores/shop-at/evaluate", EvaluateRequest{Cart: austrianCart()}, &resp)
	assert.Equal(t, []string{rule.ID}, resp.Applied)
	assert.Equal(t, int64(0), resp.Cart.Shipping.Price)

	// A restarted instance loads the store and its rules from the database.
	restarted := newServer()
	var stores StoresListResponse
	do(t, restarted, http.MethodGet, "/api/v1/stores", nil, &stores)
	require.Len(t, stores.Stores, 1)
	assert.Equal(t, "shop-at", stores.Stores[0].ID)

	var batch BatchEvaluateResponse
	rec = do(t, restarted, http.MethodPost, "/api/v1/stores/shop-at/evaluate/batch",
		BatchEvaluateRequest{Carts: []*rules.Cart{austrianCart(), austrianCart()}}, &batch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		assert.Equal(t, int64(0), r.Cart.Shipping.Price)
	}

	// Deactivating through one instance is seen by the other via the shared cache.
	do(t, s, http.MethodPost, "/api/v1/stores/shop-at/rules/"+rule.ID+"/deactivate", nil, nil)
	do(t, restarted, http.MethodPost, "/api/v1/stores/shop-at/evaluate", EvaluateRequest{Cart: austrianCart()}, &resp)
	assert.Empty(t, resp.Applied)
	assert.Equal(t, int64(990), resp.Cart.Shipping.Price)
}
