// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/dockhand-io/dockhand/internal/adapter/outbound/cel"
	"github.com/dockhand-io/dockhand/internal/domain/policy"
)

// CompiledRule is a pre-compiled access rule ready for evaluation.
type CompiledRule struct {
	ID       string
	Name     string
	Priority int
	Program  cel.Program
	Action   policy.Action
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// ResultCache provides bounded LRU caching for CEL evaluation results.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision. Returns (decision, true) on hit.
// On hit, the entry is promoted to the head (most recently used).
func (c *ResultCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

// Put stores a decision in the cache. If at capacity, the least recently
// used entry is evicted.
func (c *ResultCache) Put(key uint64, decision policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on rule reload.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey generates a unique hash for the access context.
// Request time is excluded: decisions are assumed stable between reloads.
func computeCacheKey(access policy.AccessContext) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(access.EndpointID)
	_, _ = h.Write([]byte{0}) // separator
	_, _ = h.WriteString(access.Method)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(access.Path)
	_, _ = h.Write([]byte{0})
	if access.Streaming {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// PolicyService implements policy.Engine with CEL-based rule evaluation.
// Rules are compiled at load time and evaluated in priority order (lowest
// priority value first); the first matching rule wins, no match means
// allow. Supports hot-reload via Reload() when rules change through the
// admin API. Uses atomic.Value for lock-free reads on the dispatch path.
type PolicyService struct {
	evaluator *celeval.Evaluator
	snapshot  atomic.Value // stores []CompiledRule
	mu        sync.Mutex   // Only for Reload() writes
	cache     *ResultCache
	logger    *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewResultCache(size)
	}
}

// NewPolicyService creates a PolicyService and compiles the given rules.
func NewPolicyService(rules []policy.Rule, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &PolicyService{
		evaluator: evaluator,
		cache:     NewResultCache(1000),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	compiled, err := s.compileRules(rules)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(compiled)

	logger.Info("policy service initialized",
		"rules_compiled", len(compiled),
		"cache_max_size", s.cache.maxSize,
	)

	return s, nil
}

// Compile-time check that PolicyService implements policy.Engine.
var _ policy.Engine = (*PolicyService)(nil)

// ValidateRules checks that all CEL conditions in the given rules are
// valid. Called before persisting rules so invalid CEL cannot poison the
// loaded set. Returns an error describing the first invalid rule.
func (s *PolicyService) ValidateRules(rules []policy.Rule) error {
	for _, rule := range rules {
		if err := s.evaluator.ValidateExpression(rule.Condition); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if !rule.Action.IsValid() {
			return fmt.Errorf("rule %q: unknown action %q", rule.Name, rule.Action)
		}
	}
	return nil
}

// compileRules compiles CEL expressions and sorts rules by priority
// (lowest value first).
func (s *PolicyService) compileRules(rules []policy.Rule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))

	for _, rule := range rules {
		prg, err := s.evaluator.Compile(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}

		// Use Name as identifier if ID is empty (config-defined rules).
		ruleID := rule.ID
		if ruleID == "" {
			ruleID = rule.Name
		}

		compiled = append(compiled, CompiledRule{
			ID:       ruleID,
			Name:     rule.Name,
			Priority: rule.Priority,
			Program:  prg,
			Action:   rule.Action,
		})
	}

	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})

	return compiled, nil
}

// loadSnapshot returns the current rules snapshot atomically (lock-free).
func (s *PolicyService) loadSnapshot() []CompiledRule {
	return s.snapshot.Load().([]CompiledRule)
}

// Evaluate evaluates a Docker API call against loaded rules.
// Rules are evaluated in priority order, first matching rule wins.
// Default allow if no rules match; operators add deny rules to restrict
// specific methods, paths, or endpoints.
func (s *PolicyService) Evaluate(ctx context.Context, access policy.AccessContext) (policy.Decision, error) {
	cacheKey := computeCacheKey(access)

	if decision, ok := s.cache.Get(cacheKey); ok {
		return decision, nil
	}

	// Lock-free read - no mutex needed
	rules := s.loadSnapshot()

	for _, rule := range rules {
		result, err := s.evaluator.Evaluate(rule.Program, access)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("rule %s evaluation failed: %w", rule.ID, err)
		}

		if result {
			decision := policy.Decision{
				Allowed:  rule.Action == policy.ActionAllow,
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Reason:   fmt.Sprintf("matched rule %s", rule.Name),
			}
			s.cache.Put(cacheKey, decision)
			return decision, nil
		}
	}

	decision := policy.Decision{
		Allowed: true,
		Reason:  "no matching rule (default allow)",
	}
	s.cache.Put(cacheKey, decision)
	return decision, nil
}

// Reload recompiles the rule set and swaps it in atomically.
// The result cache is cleared so stale decisions cannot survive a reload.
func (s *PolicyService) Reload(rules []policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	compiled, err := s.compileRules(rules)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}

	s.snapshot.Store(compiled)
	s.cache.Clear()

	s.logger.Info("access rules reloaded", "rules_compiled", len(compiled))
	return nil
}
