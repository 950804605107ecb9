package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/domain/policy"
)

// testRuleAdminEnv sets up a RuleAdminService over a fresh state file and
// a live PolicyService so tests can observe hot-reloads through Evaluate.
func testRuleAdminEnv(t *testing.T, seeded []policy.Rule) (*RuleAdminService, *PolicyService, *state.FileStateStore) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "state.json")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	stateStore := state.NewFileStateStore(statePath, logger)
	if err := stateStore.Save(stateStore.DefaultState()); err != nil {
		t.Fatalf("save default state: %v", err)
	}

	policySvc, err := NewPolicyService(seeded, logger)
	if err != nil {
		t.Fatalf("new policy service: %v", err)
	}

	svc := NewRuleAdminService(stateStore, policySvc, seeded, logger)
	if err := svc.Init(); err != nil {
		t.Fatalf("init rule admin service: %v", err)
	}
	return svc, policySvc, stateStore
}

func evaluateAllowed(t *testing.T, policySvc *PolicyService, access policy.AccessContext) bool {
	t.Helper()
	decision, err := policySvc.Evaluate(context.Background(), access)
	if err != nil {
		t.Fatalf("Evaluate() unexpected error: %v", err)
	}
	return decision.Allowed
}

func TestRuleAdminService_Create_HotReloads(t *testing.T) {
	svc, policySvc, _ := testRuleAdminEnv(t, nil)
	ctx := context.Background()

	deleteCall := policy.AccessContext{EndpointID: "ep-1", Method: "DELETE", Path: "/containers/abc"}
	if !evaluateAllowed(t, policySvc, deleteCall) {
		t.Fatal("expected default allow before any rule exists")
	}

	entry, err := svc.Create(ctx, CreateRuleInput{
		Name:      "no-deletes",
		Priority:  10,
		Condition: `method == "DELETE"`,
		Action:    "deny",
	})
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	if entry.ID == "" {
		t.Error("Create() did not generate an ID")
	}
	if !entry.Enabled {
		t.Error("Create() rule should be enabled by default")
	}
	if entry.CreatedAt.IsZero() || entry.UpdatedAt.IsZero() {
		t.Error("Create() did not set timestamps")
	}

	// The new rule must be live without a restart.
	if evaluateAllowed(t, policySvc, deleteCall) {
		t.Error("expected DELETE to be denied after rule creation")
	}
}

func TestRuleAdminService_Create_EmptyName(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)

	_, err := svc.Create(context.Background(), CreateRuleInput{
		Condition: "true",
		Action:    "deny",
	})
	if err == nil {
		t.Fatal("Create() empty name should return error")
	}
}

func TestRuleAdminService_Create_EmptyCondition(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)

	_, err := svc.Create(context.Background(), CreateRuleInput{
		Name:   "no-condition",
		Action: "deny",
	})
	if err == nil {
		t.Fatal("Create() empty condition should return error")
	}
}

func TestRuleAdminService_Create_InvalidCEL_NotPersisted(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRuleInput{
		Name:      "broken",
		Condition: `method == `,
		Action:    "deny",
	})
	if err == nil {
		t.Fatal("Create() invalid CEL should return error")
	}

	rules, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("invalid rule must not be persisted, got %d rules", len(rules))
	}
}

func TestRuleAdminService_Create_InvalidAction(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)

	_, err := svc.Create(context.Background(), CreateRuleInput{
		Name:      "bad-action",
		Condition: "true",
		Action:    "block",
	})
	if err == nil {
		t.Fatal("Create() unknown action should return error")
	}
}

func TestRuleAdminService_Update_HotReloads(t *testing.T) {
	svc, policySvc, _ := testRuleAdminEnv(t, nil)
	ctx := context.Background()

	entry, err := svc.Create(ctx, CreateRuleInput{
		Name:      "no-deletes",
		Condition: `method == "DELETE"`,
		Action:    "deny",
	})
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	// Retarget the rule at POST instead of DELETE.
	newCondition := `method == "POST"`
	updated, err := svc.Update(ctx, entry.ID, UpdateRuleInput{Condition: &newCondition})
	if err != nil {
		t.Fatalf("Update() unexpected error: %v", err)
	}
	if updated.Condition != newCondition {
		t.Errorf("Update() Condition = %q, want %q", updated.Condition, newCondition)
	}

	if !evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "DELETE", Path: "/x"}) {
		t.Error("DELETE should be allowed after rule was retargeted")
	}
	if evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "POST", Path: "/x"}) {
		t.Error("POST should be denied after rule was retargeted")
	}
}

func TestRuleAdminService_Update_DisableExcludesFromCompile(t *testing.T) {
	svc, policySvc, _ := testRuleAdminEnv(t, nil)
	ctx := context.Background()

	entry, _ := svc.Create(ctx, CreateRuleInput{
		Name:      "no-deletes",
		Condition: `method == "DELETE"`,
		Action:    "deny",
	})

	disabled := false
	if _, err := svc.Update(ctx, entry.ID, UpdateRuleInput{Enabled: &disabled}); err != nil {
		t.Fatalf("Update() unexpected error: %v", err)
	}

	if !evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "DELETE", Path: "/x"}) {
		t.Error("disabled rule must not apply")
	}

	// The record itself stays in state.
	rules, _ := svc.List(ctx)
	if len(rules) != 1 || rules[0].Enabled {
		t.Errorf("disabled rule should stay stored, got %+v", rules)
	}
}

func TestRuleAdminService_Update_NotFound(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)

	name := "ghost"
	_, err := svc.Update(context.Background(), "nonexistent", UpdateRuleInput{Name: &name})
	if err != ErrRuleNotFound {
		t.Errorf("Update() error = %v, want %v", err, ErrRuleNotFound)
	}
}

func TestRuleAdminService_Update_ReadOnly(t *testing.T) {
	svc, _, stateStore := testRuleAdminEnv(t, nil)

	appState, _ := stateStore.Load()
	appState.Rules = append(appState.Rules, state.RuleEntry{
		ID:        "ro-rule",
		Name:      "built-in",
		Condition: "true",
		Action:    "allow",
		Enabled:   true,
		ReadOnly:  true,
	})
	_ = stateStore.Save(appState)

	name := "changed"
	_, err := svc.Update(context.Background(), "ro-rule", UpdateRuleInput{Name: &name})
	if err != ErrReadOnly {
		t.Errorf("Update() error = %v, want %v", err, ErrReadOnly)
	}
}

func TestRuleAdminService_Delete_HotReloads(t *testing.T) {
	svc, policySvc, _ := testRuleAdminEnv(t, nil)
	ctx := context.Background()

	entry, _ := svc.Create(ctx, CreateRuleInput{
		Name:      "no-deletes",
		Condition: `method == "DELETE"`,
		Action:    "deny",
	})

	if err := svc.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}

	if !evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "DELETE", Path: "/x"}) {
		t.Error("DELETE should be allowed after rule deletion")
	}

	rules, _ := svc.List(ctx)
	if len(rules) != 0 {
		t.Errorf("List() after delete count = %d, want 0", len(rules))
	}
}

func TestRuleAdminService_Delete_NotFound(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)

	err := svc.Delete(context.Background(), "nonexistent")
	if err != ErrRuleNotFound {
		t.Errorf("Delete() error = %v, want %v", err, ErrRuleNotFound)
	}
}

func TestRuleAdminService_Get(t *testing.T) {
	svc, _, _ := testRuleAdminEnv(t, nil)
	ctx := context.Background()

	entry, _ := svc.Create(ctx, CreateRuleInput{
		Name:      "no-deletes",
		Condition: `method == "DELETE"`,
		Action:    "deny",
	})

	got, err := svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.Name != "no-deletes" {
		t.Errorf("Get() Name = %q, want %q", got.Name, "no-deletes")
	}

	if _, err := svc.Get(ctx, "nonexistent"); err != ErrRuleNotFound {
		t.Errorf("Get() nonexistent error = %v, want %v", err, ErrRuleNotFound)
	}
}

func TestRuleAdminService_Init_CompilesStoredRules(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	stateStore := state.NewFileStateStore(statePath, logger)

	seeded := stateStore.DefaultState()
	seeded.Rules = append(seeded.Rules, state.RuleEntry{
		ID:        "stored-1",
		Name:      "no-deletes",
		Condition: `method == "DELETE"`,
		Action:    "deny",
		Enabled:   true,
	})
	if err := stateStore.Save(seeded); err != nil {
		t.Fatalf("save seeded state: %v", err)
	}

	policySvc, err := NewPolicyService(nil, logger)
	if err != nil {
		t.Fatalf("new policy service: %v", err)
	}
	svc := NewRuleAdminService(stateStore, policySvc, nil, logger)
	if err := svc.Init(); err != nil {
		t.Fatalf("Init() unexpected error: %v", err)
	}

	if evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "DELETE", Path: "/x"}) {
		t.Error("stored rule should be active after Init")
	}
}

func TestRuleAdminService_SeededRulesSurviveReload(t *testing.T) {
	seededRules := []policy.Rule{
		{
			ID:        "cfg-1",
			Name:      "config deny exec",
			Priority:  0,
			Condition: `method == "EXEC"`,
			Action:    policy.ActionDeny,
		},
	}
	svc, policySvc, _ := testRuleAdminEnv(t, seededRules)
	ctx := context.Background()

	// A mutation triggers a reload; the config-seeded rule must stay live.
	_, err := svc.Create(ctx, CreateRuleInput{
		Name:      "no-deletes",
		Condition: `method == "DELETE"`,
		Action:    "deny",
	})
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	if evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "EXEC", Path: "/containers/abc/exec"}) {
		t.Error("config-seeded rule must survive the reload")
	}
	if evaluateAllowed(t, policySvc, policy.AccessContext{EndpointID: "ep-1", Method: "DELETE", Path: "/x"}) {
		t.Error("stored rule must be active")
	}
}
