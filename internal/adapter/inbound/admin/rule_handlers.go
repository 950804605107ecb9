package admin

import (
	"errors"
	"net/http"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/service"
)

// handleListRules returns stored dispatch rules. Priority order is
// applied at evaluation time, not here.
// GET /api/rules
func (h *AdminAPIHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	if h.ruleAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "rule management not configured")
		return
	}
	rules, err := h.ruleAdmin.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list rules", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []state.RuleEntry{}
	}
	respondJSON(w, http.StatusOK, rules)
}

// handleGetRule returns one rule by id.
// GET /api/rules/{id}
func (h *AdminAPIHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if h.ruleAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "rule management not configured")
		return
	}
	ruleID := pathParam(r, "id")
	rule, err := h.ruleAdmin.Get(r.Context(), ruleID)
	if err != nil {
		if errors.Is(err, service.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found: "+ruleID)
			return
		}
		h.logger.Error("failed to load rule", "rule_id", ruleID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// handleCreateRule adds a dispatch rule. The CEL condition is compiled
// before anything is persisted, so a typo cannot take down the
// evaluator.
// POST /api/rules
func (h *AdminAPIHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if h.ruleAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "rule management not configured")
		return
	}

	var input service.CreateRuleInput
	if err := readJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if input.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if input.Condition == "" {
		respondError(w, http.StatusBadRequest, "condition is required")
		return
	}
	if input.Action != "allow" && input.Action != "deny" {
		respondError(w, http.StatusBadRequest, "action must be allow or deny")
		return
	}

	rule, err := h.ruleAdmin.Create(r.Context(), input)
	if err != nil {
		if errors.Is(err, service.ErrReadOnly) {
			respondError(w, http.StatusForbidden, "state store is read-only")
			return
		}
		// Remaining failures are bad input, typically a CEL compile
		// error worth showing verbatim.
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// handleUpdateRule applies a partial update; absent fields keep their
// value. Changed conditions are recompiled before persisting.
// PUT /api/rules/{id}
func (h *AdminAPIHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if h.ruleAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "rule management not configured")
		return
	}
	ruleID := pathParam(r, "id")

	var input service.UpdateRuleInput
	if err := readJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if input.Action != nil && *input.Action != "allow" && *input.Action != "deny" {
		respondError(w, http.StatusBadRequest, "action must be allow or deny")
		return
	}

	rule, err := h.ruleAdmin.Update(r.Context(), ruleID, input)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRuleNotFound):
			respondError(w, http.StatusNotFound, "rule not found: "+ruleID)
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "rule is read-only")
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// handleDeleteRule removes a rule and hot-reloads the compiled set.
// DELETE /api/rules/{id}
func (h *AdminAPIHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if h.ruleAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "rule management not configured")
		return
	}
	ruleID := pathParam(r, "id")

	if err := h.ruleAdmin.Delete(r.Context(), ruleID); err != nil {
		switch {
		case errors.Is(err, service.ErrRuleNotFound):
			respondError(w, http.StatusNotFound, "rule not found: "+ruleID)
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "rule is read-only")
		default:
			h.logger.Error("failed to delete rule", "rule_id", ruleID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to delete rule")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestRule dry-runs the live rule set against a described Docker
// API call without dispatching anything.
// POST /api/rules/test
func (h *AdminAPIHandler) handleTestRule(w http.ResponseWriter, r *http.Request) {
	if h.ruleEval == nil {
		respondError(w, http.StatusServiceUnavailable, "rule evaluation not configured")
		return
	}

	var req service.RuleEvalRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Method == "" {
		respondError(w, http.StatusBadRequest, "method is required")
		return
	}
	if req.Path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}

	result, err := h.ruleEval.Evaluate(r.Context(), req)
	if err != nil {
		h.logger.Error("rule evaluation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "rule evaluation failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleGetEvaluation returns a stored dry-run by request id.
// GET /api/rules/test/{id}
func (h *AdminAPIHandler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	if h.ruleEval == nil {
		respondError(w, http.StatusServiceUnavailable, "rule evaluation not configured")
		return
	}
	requestID := pathParam(r, "id")
	eval := h.ruleEval.GetEvaluation(requestID)
	if eval == nil {
		respondError(w, http.StatusNotFound, "evaluation not found or expired: "+requestID)
		return
	}
	respondJSON(w, http.StatusOK, eval)
}

// handleRecentEvaluations returns the latest dry-runs, newest first.
// GET /api/rules/evaluations?limit=20
func (h *AdminAPIHandler) handleRecentEvaluations(w http.ResponseWriter, r *http.Request) {
	if h.ruleEval == nil {
		respondError(w, http.StatusServiceUnavailable, "rule evaluation not configured")
		return
	}
	limit := parseLimit(r, 20, 200)
	evals := h.ruleEval.RecentEvaluations(limit)
	if evals == nil {
		evals = []*service.RuleEvaluation{}
	}
	respondJSON(w, http.StatusOK, evals)
}
