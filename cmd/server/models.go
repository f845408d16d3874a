package main

import (
	"time"

	"github.com/liamcoop/cartrules/rules"
)

// API request and response models

// CreateStoreRequest is the body of POST /api/v1/stores. An empty ID is
// replaced by a generated UUID.
type CreateStoreRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// StoresListResponse lists loaded stores.
type StoresListResponse struct {
	Stores []StoreResponse `json:"stores"`
}

type StoreResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleRequest is the body of rule create and replace requests.
// Active defaults to true when omitted.
type RuleRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Policy      rules.Policy      `json:"policy,omitempty"`
	Priority    int               `json:"priority"`
	Active      *bool             `json:"active,omitempty"`
	Conditions  []rules.Condition `json:"conditions"`
	Actions     []rules.Action    `json:"actions"`
}

func (req RuleRequest) rule(id string) *rules.Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &rules.Rule{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Policy:      req.Policy,
		Priority:    req.Priority,
		Active:      active,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
	}
}

// RulesListResponse lists the rules of a store.
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// TypesResponse lists the registered type keys.
type TypesResponse struct {
	Conditions []string `json:"conditions"`
	Actions    []string `json:"actions"`
}

// EvaluateRequest evaluates one cart. When Rule is set only that rule runs,
// active or not.
type EvaluateRequest struct {
	Cart *rules.Cart `json:"cart"`
	Rule string      `json:"rule,omitempty"`
}

// BatchEvaluateRequest evaluates many carts independently.
type BatchEvaluateRequest struct {
	Carts []*rules.Cart `json:"carts"`
}

// ResultResponse is rules.Result with the error rendered as text.
type ResultResponse struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Priority int    `json:"priority"`
	Matched  bool   `json:"matched"`
	Applied  bool   `json:"applied"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

type EvaluateResponse struct {
	Cart           *rules.Cart      `json:"cart"`
	Applied        []string         `json:"applied"`
	Results        []ResultResponse `json:"results"`
	EvaluationTime string           `json:"evaluationTime,omitempty"`
}

type BatchEvaluateResponse struct {
	Results        []EvaluateResponse `json:"results"`
	EvaluationTime string             `json:"evaluationTime"`
}

func newEvaluateResponse(eval *rules.Evaluation) EvaluateResponse {
	resp := EvaluateResponse{
		Cart:    eval.Cart,
		Applied: eval.Applied(),
		Results: make([]ResultResponse, len(eval.Results)),
	}
	if resp.Applied == nil {
		resp.Applied = []string{}
	}
	for i, r := range eval.Results {
		resp.Results[i] = ResultResponse{
			RuleID:   r.RuleID,
			RuleName: r.RuleName,
			Priority: r.Priority,
			Matched:  r.Matched,
			Applied:  r.Applied,
			Skipped:  r.Skipped,
		}
		if r.Error != nil {
			resp.Results[i].Error = r.Error.Error()
		}
	}
	return resp
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	StoresLoaded int    `json:"storesLoaded"`
	Error        string `json:"error,omitempty"`
}
