package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand-io/dockhand/internal/domain/policy"
)

// RuleEvalRequest is a dry-run access check submitted through the admin
// API. It describes a Docker API call without dispatching it.
type RuleEvalRequest struct {
	EndpointID string `json:"endpoint_id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Streaming  bool   `json:"streaming"`
}

// RuleEvalResponse is the structured result of a dry-run evaluation.
type RuleEvalResponse struct {
	Decision  string `json:"decision"`
	RuleID    string `json:"rule_id,omitempty"`
	RuleName  string `json:"rule_name,omitempty"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
	LatencyMs int64  `json:"latency_ms"`
}

// RuleEvaluation is a stored dry-run record, kept for operators to review
// recent checks.
type RuleEvaluation struct {
	RequestID  string    `json:"request_id"`
	EndpointID string    `json:"endpoint_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Streaming  bool      `json:"streaming"`
	Decision   string    `json:"decision"`
	RuleID     string    `json:"rule_id,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RuleEvalService runs access checks against the live rule set without
// touching any agent. Operators use it to verify a rule change before
// traffic hits it. Recent evaluations are kept in a bounded in-memory
// history.
type RuleEvalService struct {
	engine policy.Engine
	logger *slog.Logger

	mu          sync.RWMutex
	evaluations map[string]*RuleEvaluation // keyed by request_id
	evalOrder   []string                   // FIFO order for eviction
	maxEvals    int
}

// NewRuleEvalService creates a new RuleEvalService over the given engine.
func NewRuleEvalService(engine policy.Engine, logger *slog.Logger) *RuleEvalService {
	return &RuleEvalService{
		engine:      engine,
		logger:      logger,
		evaluations: make(map[string]*RuleEvaluation),
		evalOrder:   make([]string, 0, 256),
		maxEvals:    256,
	}
}

// Evaluate runs the dry-run check and records the outcome.
func (s *RuleEvalService) Evaluate(ctx context.Context, req RuleEvalRequest) (*RuleEvalResponse, error) {
	if req.Method == "" {
		return nil, fmt.Errorf("method is required")
	}

	requestID := uuid.New().String()
	start := time.Now()

	decision, err := s.engine.Evaluate(ctx, policy.AccessContext{
		EndpointID:  req.EndpointID,
		Method:      req.Method,
		Path:        req.Path,
		Streaming:   req.Streaming,
		RequestTime: start,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate access rules: %w", err)
	}

	latencyMs := time.Since(start).Milliseconds()

	resp := &RuleEvalResponse{
		RequestID: requestID,
		RuleID:    decision.RuleID,
		RuleName:  decision.RuleName,
		Reason:    decision.Reason,
		LatencyMs: latencyMs,
	}
	if decision.Allowed {
		resp.Decision = "allow"
	} else {
		resp.Decision = "deny"
	}

	s.record(&RuleEvaluation{
		RequestID:  requestID,
		EndpointID: req.EndpointID,
		Method:     req.Method,
		Path:       req.Path,
		Streaming:  req.Streaming,
		Decision:   resp.Decision,
		RuleID:     decision.RuleID,
		LatencyMs:  latencyMs,
		CreatedAt:  time.Now().UTC(),
	})

	s.logger.Debug("rule dry-run completed",
		"request_id", requestID,
		"endpoint_id", req.EndpointID,
		"method", req.Method,
		"path", req.Path,
		"decision", resp.Decision,
		"latency_ms", latencyMs,
	)

	return resp, nil
}

// GetEvaluation returns a stored dry-run record by request ID, or nil if
// it has been evicted or never existed.
func (s *RuleEvalService) GetEvaluation(requestID string) *RuleEvaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluations[requestID]
}

// RecentEvaluations returns up to limit stored records, newest first.
func (s *RuleEvalService) RecentEvaluations(limit int) []*RuleEvaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.evalOrder) {
		limit = len(s.evalOrder)
	}

	result := make([]*RuleEvaluation, 0, limit)
	for i := len(s.evalOrder) - 1; i >= 0 && len(result) < limit; i-- {
		if eval, ok := s.evaluations[s.evalOrder[i]]; ok {
			result = append(result, eval)
		}
	}
	return result
}

// record stores an evaluation with bounded FIFO eviction.
func (s *RuleEvalService) record(eval *RuleEvaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.evalOrder) >= s.maxEvals {
		oldID := s.evalOrder[0]
		s.evalOrder = s.evalOrder[1:]
		delete(s.evaluations, oldID)
	}

	s.evaluations[eval.RequestID] = eval
	s.evalOrder = append(s.evalOrder, eval.RequestID)
}
