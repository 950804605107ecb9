package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/domain/policy"
)

// ErrRuleNotFound is returned when an access rule is not found.
var ErrRuleNotFound = errors.New("access rule not found")

// RuleAdminService provides CRUD operations on access rules with CEL
// validation and persistence to state.json. After every mutation it calls
// PolicyService.Reload() to hot-swap the compiled rule set.
//
// Two rule sources feed the compiled set: rules seeded from config
// (immutable through this service) and rules stored in state.json
// (operator-managed). Disabled stored rules are kept in state but
// excluded from compilation.
type RuleAdminService struct {
	stateStore    *state.FileStateStore
	policyService *PolicyService
	logger        *slog.Logger
	mu            sync.Mutex // serializes state reads and writes
	// Rules seeded from config at boot. Re-included on every reload,
	// never persisted to state.json.
	seeded []policy.Rule
}

// NewRuleAdminService creates a new RuleAdminService. The seeded rules
// come from config and stay active across reloads.
func NewRuleAdminService(
	stateStore *state.FileStateStore,
	policyService *PolicyService,
	seeded []policy.Rule,
	logger *slog.Logger,
) *RuleAdminService {
	return &RuleAdminService{
		stateStore:    stateStore,
		policyService: policyService,
		seeded:        seeded,
		logger:        logger,
	}
}

// Init loads stored rules from state.json and compiles them alongside the
// config-seeded set. Must be called once after construction.
func (s *RuleAdminService) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if err := s.policyService.Reload(s.activeRules(appState)); err != nil {
		return fmt.Errorf("compile stored rules: %w", err)
	}

	if len(appState.Rules) > 0 {
		s.logger.Info("loaded access rules from state", "count", len(appState.Rules))
	}
	return nil
}

// List returns all stored rules, including disabled ones.
func (s *RuleAdminService) List(_ context.Context) ([]state.RuleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	result := make([]state.RuleEntry, len(appState.Rules))
	copy(result, appState.Rules)
	return result, nil
}

// Get returns a single stored rule by ID.
func (s *RuleAdminService) Get(_ context.Context, id string) (*state.RuleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	for i := range appState.Rules {
		if appState.Rules[i].ID == id {
			entry := appState.Rules[i]
			return &entry, nil
		}
	}
	return nil, ErrRuleNotFound
}

// CreateRuleInput holds the input for creating an access rule.
type CreateRuleInput struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

// Create adds a new access rule, persists it and hot-reloads the compiled
// set. The CEL condition is validated before anything is written so an
// invalid rule cannot poison the stored set.
func (s *RuleAdminService) Create(_ context.Context, input CreateRuleInput) (*state.RuleEntry, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.Condition == "" {
		return nil, fmt.Errorf("condition is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry := state.RuleEntry{
		ID:        uuid.New().String(),
		Name:      input.Name,
		Priority:  input.Priority,
		Condition: input.Condition,
		Action:    input.Action,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.policyService.ValidateRules([]policy.Rule{ruleFromEntry(entry)}); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	appState.Rules = append(appState.Rules, entry)

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	if err := s.policyService.Reload(s.activeRules(appState)); err != nil {
		s.logger.Error("failed to reload rules after create", "rule_id", entry.ID, "error", err)
		return nil, fmt.Errorf("reload rules: %w", err)
	}

	s.logger.Info("access rule created",
		"id", entry.ID, "name", entry.Name, "action", entry.Action, "priority", entry.Priority)
	return &entry, nil
}

// UpdateRuleInput holds the input for updating an access rule. Nil fields
// are left unchanged.
type UpdateRuleInput struct {
	Name      *string `json:"name,omitempty"`
	Priority  *int    `json:"priority,omitempty"`
	Condition *string `json:"condition,omitempty"`
	Action    *string `json:"action,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// Update modifies an existing rule, persists it and hot-reloads the
// compiled set.
func (s *RuleAdminService) Update(_ context.Context, id string, input UpdateRuleInput) (*state.RuleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Rules {
		if appState.Rules[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrRuleNotFound
	}

	if appState.Rules[idx].ReadOnly {
		return nil, ErrReadOnly
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, fmt.Errorf("name is required")
		}
		appState.Rules[idx].Name = *input.Name
	}
	if input.Priority != nil {
		appState.Rules[idx].Priority = *input.Priority
	}
	if input.Condition != nil {
		appState.Rules[idx].Condition = *input.Condition
	}
	if input.Action != nil {
		appState.Rules[idx].Action = *input.Action
	}
	if input.Enabled != nil {
		appState.Rules[idx].Enabled = *input.Enabled
	}
	appState.Rules[idx].UpdatedAt = time.Now().UTC()

	if err := s.policyService.ValidateRules([]policy.Rule{ruleFromEntry(appState.Rules[idx])}); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	if err := s.policyService.Reload(s.activeRules(appState)); err != nil {
		s.logger.Error("failed to reload rules after update", "rule_id", id, "error", err)
		return nil, fmt.Errorf("reload rules: %w", err)
	}

	entry := appState.Rules[idx]
	s.logger.Info("access rule updated", "id", id, "name", entry.Name, "enabled", entry.Enabled)
	return &entry, nil
}

// Delete removes a stored rule and hot-reloads the compiled set.
func (s *RuleAdminService) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Rules {
		if appState.Rules[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrRuleNotFound
	}

	if appState.Rules[idx].ReadOnly {
		return ErrReadOnly
	}

	appState.Rules = append(appState.Rules[:idx], appState.Rules[idx+1:]...)

	if err := s.stateStore.Save(appState); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if err := s.policyService.Reload(s.activeRules(appState)); err != nil {
		s.logger.Error("failed to reload rules after delete", "rule_id", id, "error", err)
		return fmt.Errorf("reload rules: %w", err)
	}

	s.logger.Info("access rule deleted", "id", id)
	return nil
}

// activeRules builds the combined compile set: config-seeded rules plus
// enabled stored rules.
func (s *RuleAdminService) activeRules(appState *state.AppState) []policy.Rule {
	rules := make([]policy.Rule, 0, len(s.seeded)+len(appState.Rules))
	rules = append(rules, s.seeded...)
	for _, entry := range appState.Rules {
		if !entry.Enabled {
			continue
		}
		rules = append(rules, ruleFromEntry(entry))
	}
	return rules
}

// ruleFromEntry converts a persisted rule record to its domain form.
func ruleFromEntry(e state.RuleEntry) policy.Rule {
	return policy.Rule{
		ID:        e.ID,
		Name:      e.Name,
		Priority:  e.Priority,
		Condition: e.Condition,
		Action:    policy.Action(e.Action),
		CreatedAt: e.CreatedAt,
	}
}
