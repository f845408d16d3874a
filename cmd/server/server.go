package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/cartrules/internal/config"
	"github.com/liamcoop/cartrules/internal/logger"
	"github.com/liamcoop/cartrules/internal/metrics"
	"github.com/liamcoop/cartrules/multistore"
	"github.com/liamcoop/cartrules/rules"
)

// errBadRequest marks request errors found by the handlers themselves.
var errBadRequest = errors.New("bad request")

type Server struct {
	manager *multistore.Manager
	metrics *metrics.Metrics
	limits  config.EvaluationConfig
	// db is only set for the postgres driver and backs the health check.
	db     *sql.DB
	router *chi.Mux
}

// ServerDeps are the collaborators of a Server. Only Manager is required.
type ServerDeps struct {
	Manager *multistore.Manager
	Metrics *metrics.Metrics
	Limits  config.EvaluationConfig
	DB      *sql.DB
}

func NewServer(deps ServerDeps) *Server {
	if deps.Limits.MaxBatchSize <= 0 {
		deps.Limits.MaxBatchSize = 500
	}
	if deps.Limits.MaxConcurrency <= 0 {
		deps.Limits.MaxConcurrency = 8
	}
	s := &Server{
		manager: deps.Manager,
		metrics: deps.Metrics,
		limits:  deps.Limits,
		db:      deps.DB,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/api/v1/types", s.handleTypes)

	r.Route("/api/v1/stores", func(r chi.Router) {
		r.Get("/", s.handleListStores)
		r.Post("/", s.handleCreateStore)

		r.Route("/{storeId}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteStore)

			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			r.Post("/rules/{ruleId}/deactivate", s.handleDeactivateRule)
			r.Post("/rules/{ruleId}/activate", s.handleActivateRule)
			r.Post("/rules/{ruleId}/conditions", s.handleAddCondition)
			r.Delete("/rules/{ruleId}/conditions/{index}", s.handleRemoveCondition)
			r.Post("/rules/{ruleId}/actions", s.handleAddAction)
			r.Delete("/rules/{ruleId}/actions/{index}", s.handleRemoveAction)

			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/evaluate/batch", s.handleEvaluateBatch)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// observe logs every request and records it under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.ObserveRequest(r.Method, route, status, elapsed)
		logger.HTTPStatus(status)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stores := len(s.manager.ListStores())
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:       "unhealthy",
				StoresLoaded: stores,
				Error:        err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", StoresLoaded: stores})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	reg := s.manager.Registry()
	respondJSON(w, http.StatusOK, TypesResponse{
		Conditions: reg.ConditionTypes(),
		Actions:    reg.ActionTypes(),
	})
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.ListStores()
	resp := StoresListResponse{Stores: make([]StoreResponse, len(infos))}
	for i, info := range infos {
		resp.Stores[i] = StoreResponse(info)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req CreateStoreRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	se, err := s.manager.CreateStore(req.ID, req.Name)
	if err != nil {
		respondFailure(w, "failed to create store", err)
		return
	}
	respondJSON(w, http.StatusCreated, StoreResponse{ID: se.StoreID, Name: se.Name, CreatedAt: se.CreatedAt})
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteStore(chi.URLParam(r, "storeId")); err != nil {
		respondFailure(w, "failed to delete store", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// engine resolves the store engine of the request, writing a 404 when the
// store is not loaded.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "storeId"))
	if err != nil {
		respondFailure(w, "store not found", err)
		return nil, false
	}
	return engine, true
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}

	rule := req.rule(uuid.NewString())
	if err := multistore.ValidateRule(rule); err != nil {
		respondFailure(w, "invalid rule", err)
		return
	}
	if err := engine.AddRule(rule); err != nil {
		respondFailure(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	list, err := engine.ListRules()
	if err != nil {
		respondFailure(w, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	rule, err := engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondFailure(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// handleUpdateRule replaces the definition of an existing rule. The ID and
// creation time are kept.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}

	ruleID := chi.URLParam(r, "ruleId")
	existing, err := engine.GetRule(ruleID)
	if err != nil {
		respondFailure(w, "rule not found", err)
		return
	}
	rule := req.rule(ruleID)
	rule.CreatedAt = existing.CreatedAt
	if err := multistore.ValidateRule(rule); err != nil {
		respondFailure(w, "invalid rule", err)
		return
	}
	if err := engine.UpdateRule(rule); err != nil {
		respondFailure(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondFailure(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.modifyRule(w, r, func(rule *rules.Rule) error {
		rule.Deactivate()
		return nil
	})
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.modifyRule(w, r, func(rule *rules.Rule) error {
		rule.Activate()
		return nil
	})
}

func (s *Server) handleAddCondition(w http.ResponseWriter, r *http.Request) {
	var c rules.Condition
	if !decode(w, r, &c) {
		return
	}
	s.modifyRule(w, r, func(rule *rules.Rule) error {
		rule.AddCondition(c)
		return multistore.ValidateRule(rule)
	})
}

func (s *Server) handleRemoveCondition(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	s.modifyRule(w, r, func(rule *rules.Rule) error {
		if err := rule.RemoveCondition(index); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return nil
	})
}

func (s *Server) handleAddAction(w http.ResponseWriter, r *http.Request) {
	var a rules.Action
	if !decode(w, r, &a) {
		return
	}
	s.modifyRule(w, r, func(rule *rules.Rule) error {
		rule.AddAction(a)
		return multistore.ValidateRule(rule)
	})
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	s.modifyRule(w, r, func(rule *rules.Rule) error {
		if err := rule.RemoveAction(index); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return nil
	})
}

func (s *Server) modifyRule(w http.ResponseWriter, r *http.Request, fn func(*rules.Rule) error) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	rule, err := engine.ModifyRule(chi.URLParam(r, "ruleId"), fn)
	if err != nil {
		respondFailure(w, "failed to modify rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req EvaluateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Cart == nil {
		respondError(w, http.StatusBadRequest, "cart is required", nil)
		return
	}

	start := time.Now()
	var (
		eval *rules.Evaluation
		err  error
	)
	if req.Rule != "" {
		eval, err = engine.Evaluate(req.Rule, req.Cart)
	} else {
		eval, err = engine.EvaluateAll(req.Cart)
	}
	if err != nil {
		respondFailure(w, "evaluation failed", err)
		return
	}

	resp := newEvaluateResponse(eval)
	resp.EvaluationTime = time.Since(start).String()
	respondJSON(w, http.StatusOK, resp)
}

// handleEvaluateBatch evaluates carts concurrently, bounded by
// MaxConcurrency. Results keep the order of the request.
func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req BatchEvaluateRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Carts) == 0 {
		respondError(w, http.StatusBadRequest, "carts are required", nil)
		return
	}
	if len(req.Carts) > s.limits.MaxBatchSize {
		respondError(w, http.StatusBadRequest, "batch too large",
			fmt.Errorf("%d carts exceeds maximum of %d", len(req.Carts), s.limits.MaxBatchSize))
		return
	}
	for i, cart := range req.Carts {
		if cart == nil {
			respondError(w, http.StatusBadRequest, "cart is required", fmt.Errorf("carts[%d] is null", i))
			return
		}
	}

	start := time.Now()
	results := make([]EvaluateResponse, len(req.Carts))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.limits.MaxConcurrency)
	for i, cart := range req.Carts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			eval, err := engine.EvaluateAll(cart)
			if err != nil {
				return fmt.Errorf("carts[%d]: %w", i, err)
			}
			results[i] = newEvaluateResponse(eval)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		respondFailure(w, "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, BatchEvaluateResponse{
		Results:        results,
		EvaluationTime: time.Since(start).String(),
	})
}

// Helper functions

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err)
		return 0, false
	}
	return index, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, multistore.ErrStoreNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists), errors.Is(err, multistore.ErrStoreExists):
		return http.StatusConflict
	case errors.Is(err, rules.ErrUnknownType),
		errors.Is(err, rules.ErrConfiguration),
		errors.Is(err, multistore.ErrInvalidRule),
		errors.Is(err, multistore.ErrInvalidStoreID),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}
