// Package db implements the shared SQLite store for sessions, observed
// steps, pending approval requests, and cast artifacts. The store is the
// only channel between the proxy process and the operator process, so every
// mutating write is checkpointed and polling reads go through a dedicated
// read handle.
package db

import "time"

// SessionContext carries repository metadata attached to a session by the
// client environment.
type SessionContext struct {
	RepoRoot     string `json:"repo_root,omitempty"`
	RepoName     string `json:"repo_name,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Commit       string `json:"commit,omitempty"`
	Dirty        *bool  `json:"dirty,omitempty"`
	ConfigSource string `json:"config_source,omitempty"`
	Tag          string `json:"tag,omitempty"`
}

// Session is one agent conversation's container.
type Session struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ClientID  string          `json:"client_id,omitempty"`
	Context   *SessionContext `json:"context,omitempty"`
}

// Step kinds.
const (
	StepKindToolCall = "tool_call"
	StepKindBlocker  = "blocker"
	StepKindNote     = "note"
)

// Step statuses.
const (
	StepStatusOK    = "ok"
	StepStatusError = "error"
)

// ObservedStep is one recorded interaction. Identity and session linkage
// never change after persist; only summary, status, and merged args may be
// amended, which the bridge uses to annotate blocker steps with their
// decision.
type ObservedStep struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	CreatedAt         time.Time      `json:"created_at"`
	Kind              string         `json:"kind"`
	Name              string         `json:"name"`
	Status            string         `json:"status"`
	DurationMS        *int64         `json:"duration_ms,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	RiskLevel         string         `json:"risk_level,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	TargetType        string         `json:"target_type,omitempty"`
	ToolCategory      string         `json:"tool_category,omitempty"`
	SQL               string         `json:"sql,omitempty"`
	SQLTruncated      bool           `json:"sql_truncated,omitempty"`
	SQLClassification string         `json:"sql_classification,omitempty"`
	PolicyRuleIDs     []string       `json:"policy_rule_ids,omitempty"`
	Decision          string         `json:"decision,omitempty"`
	ResultRowsShown   *int64         `json:"result_rows_shown,omitempty"`
	ResultRowsTotal   *int64         `json:"result_rows_total,omitempty"`
	CapturedBytes     *int64         `json:"captured_bytes,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	TablesTouched     []string       `json:"tables_touched,omitempty"`
	Args              map[string]any `json:"args,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Preview           string         `json:"preview,omitempty"`
	PreviewTruncated  bool           `json:"preview_truncated,omitempty"`
}

// Pending request statuses. pending is the only non-terminal state.
const (
	PendingStatusPending = "pending"
	PendingStatusAllowed = "allowed"
	PendingStatusDenied  = "denied"
	PendingStatusTimeout = "timeout"
)

// PendingRequest is one awaiting-approval record. Status transitions are
// single-shot: once decided, further decide calls return the original
// record unchanged.
type PendingRequest struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Classification string         `json:"classification,omitempty"`
	RiskLevel      string         `json:"risk_level,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	BlockerStepID  string         `json:"blocker_step_id,omitempty"`
	Status         string         `json:"status"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
}

// IsDecided reports whether the request reached a terminal state.
func (p *PendingRequest) IsDecided() bool {
	return p.Status != PendingStatusPending
}

// TableCast is a persisted table artifact produced by the cast_table tool.
type TableCast struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	CreatedAt    time.Time        `json:"created_at"`
	Title        string           `json:"title"`
	OriginStepID string           `json:"origin_step_id"`
	SQL          string           `json:"sql,omitempty"`
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsShown    int              `json:"rows_shown"`
	TotalRows    int              `json:"total_rows"`
	Truncated    bool             `json:"truncated"`
}
