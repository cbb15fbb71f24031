package models

import (
	"encoding/json"
	"time"
)

// Operating modes passed by callers with each mutation request.
const (
	ModeAutopilot  = "autopilot"
	ModeSupervised = "supervised"
)

// Decision kinds. Every decision carries exactly one of these.
const (
	KindProceed   = "proceed"
	KindDenied    = "denied"
	KindApproval  = "approval"
	KindDryRun    = "dry_run"
	KindDuplicate = "duplicate"
)

// Audit record statuses. A record is created pending and moves to exactly
// one terminal status.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusStale   = "stale"
)

// MutationRequest describes one proposed side-effecting call. It lives only
// for the duration of one evaluation.
type MutationRequest struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
	Mode   string          `json:"mode"`
}

// Ticket is handed to the caller on a proceed decision and must be passed
// back exactly once to finalize the paired audit record.
type Ticket struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
	Tool          string `json:"tool"`
}

// Decision is the only value the gateway returns to callers. Kind selects
// which of the remaining fields are meaningful.
type Decision struct {
	Kind         string  `json:"kind"`
	Ticket       *Ticket `json:"ticket,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	RuleID       string  `json:"rule_id,omitempty"`
	QueueID      string  `json:"queue_id,omitempty"`
	PriorOutcome string  `json:"prior_outcome,omitempty"`
}

// AuditRecord is one durable row in the mutation audit trail.
type AuditRecord struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Tool          string     `json:"tool"`
	ParamsHash    string     `json:"params_hash"`
	Status        string     `json:"status"`
	ResultSummary string     `json:"result_summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// DecisionSummary is one row of the decision log used for operator status.
type DecisionSummary struct {
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool"`
	Reason    string    `json:"reason,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleView is the introspection form of one effective policy rule.
type RuleView struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Match    string `json:"match"`
	Action   string `json:"action"`
}

// CounterValue reports one rate counter scope for operator status.
type CounterValue struct {
	Scope     string `json:"scope"`
	WindowSec int    `json:"window_sec"`
	Count     int    `json:"count"`
}

// PolicySnapshot is the read-only status view assembled by the gateway.
type PolicySnapshot struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Enforce         bool              `json:"enforce"`
	BlockedTools    []string          `json:"blocked_tools,omitempty"`
	Rules           []RuleView        `json:"rules"`
	RecentDecisions []DecisionSummary `json:"recent_decisions,omitempty"`
	Counters        []CounterValue    `json:"counters,omitempty"`
	PendingCount    int               `json:"pending_count"`
	OldestPendingS  float64           `json:"oldest_pending_seconds"`
}
