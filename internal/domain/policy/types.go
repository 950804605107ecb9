// Package policy contains domain types for Docker API access policy
// evaluation.
package policy

import "time"

// Action represents the result of a policy rule evaluation.
type Action string

const (
	// ActionAllow permits the Docker API call to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the Docker API call.
	ActionDeny Action = "deny"
)

// IsValid reports whether the action is a known value.
func (a Action) IsValid() bool {
	return a == ActionAllow || a == ActionDeny
}

// Rule defines a single access rule for Docker API calls routed through
// the tunnel. Rules are evaluated in priority order; the first rule whose
// condition evaluates to true decides the outcome.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable name for this rule.
	Name string `json:"name" yaml:"name"`
	// Priority determines rule evaluation order (lower = higher priority).
	Priority int `json:"priority" yaml:"priority"`
	// Condition is a CEL expression over the access context. It must
	// evaluate to a boolean; true means the rule applies.
	Condition string `json:"condition" yaml:"condition"`
	// Action is the result when this rule matches.
	Action Action `json:"action" yaml:"action"`
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Decision represents the outcome of policy evaluation for an API call.
type Decision struct {
	// Allowed is true if the call is permitted.
	Allowed bool `json:"allowed"`
	// RuleID is the ID of the rule that produced this decision. Empty when
	// no rule matched and the default applied.
	RuleID string `json:"rule_id,omitempty"`
	// RuleName is the human-readable name of the matching rule.
	RuleName string `json:"rule_name,omitempty"`
	// Reason explains why the decision was made.
	Reason string `json:"reason"`
}
