package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/josephwibowo/mantora/internal/core"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/mcp"
)

// defaultPollInterval is how often the blocker re-reads the pending request
// while waiting for the operator. The store is the only channel between the
// two processes, so polling it is the decision transport.
const defaultPollInterval = 250 * time.Millisecond

const (
	timeoutRefusalFormat = "⏳ TIMEOUT: The user did not approve this action in time.\n" +
		"Reason: %s\n" +
		"STOP: Do not retry this operation automatically. Ask the user for guidance."
	deniedRefusalFormat = "⛔ BLOCKED: This action was explicitly denied by the user.\n" +
		"Reason: %s\n" +
		"STOP: You MUST NOT retry this operation. It is forbidden."
)

// blocker runs the approval round-trip for high-risk calls: persist a
// pending request plus its blocker step, poll until decided or deadline,
// then annotate the step with the outcome.
type blocker struct {
	store        *db.DB
	logger       *log.Logger
	timeout      time.Duration
	pollInterval time.Duration
}

func newBlocker(store *db.DB, logger *log.Logger, timeout time.Duration) *blocker {
	return &blocker{
		store:        store,
		logger:       logger.WithPrefix("blocker"),
		timeout:      timeout,
		pollInterval: defaultPollInterval,
	}
}

// approvalRequest is one call the blocker must hold for a human decision.
type approvalRequest struct {
	SessionID      string
	ToolName       string
	Arguments      map[string]any
	SQL            string
	Reason         string
	Classification string
	RiskLevel      string
	RuleIDs        []string
}

// guardApproval builds the approval request for a SQL statement the policy
// blocked. The pending record carries only the capped SQL excerpt, never the
// raw agent payload.
func guardApproval(sessionID, toolName, sql, reason string, policy core.PolicyToggles) approvalRequest {
	result := core.AnalyzeSQL(sql)
	return approvalRequest{
		SessionID:      sessionID,
		ToolName:       toolName,
		Arguments:      map[string]any{"sql": capSQLForArgs(sql)},
		SQL:            sql,
		Reason:         reason,
		Classification: string(result.Classification),
		RiskLevel:      string(result.RiskLevel),
		RuleIDs:        core.PolicyRuleIDs(result, policy),
	}
}

// unknownToolApproval builds the approval request for a tool the adapter
// cannot vouch for. Arguments are summarized, never stored verbatim.
func unknownToolApproval(sessionID, toolName string, arguments map[string]any) approvalRequest {
	return approvalRequest{
		SessionID:      sessionID,
		ToolName:       toolName,
		Arguments:      summarizeArgs(arguments),
		Reason:         "Unknown tool; requires approval in protective mode.",
		Classification: "unknown",
		RiskLevel:      "unknown",
		RuleIDs:        []string{"unknown_tool_requires_approval"},
	}
}

// Hold persists the request and blocks until it is decided. A nil result
// means the call was approved and may proceed; a non-nil result is the
// refusal to return to the agent.
func (b *blocker) Hold(ctx context.Context, req approvalRequest) (*mcp.CallToolResult, error) {
	pending := &db.PendingRequest{
		SessionID:      req.SessionID,
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		Classification: req.Classification,
		RiskLevel:      req.RiskLevel,
		Reason:         req.Reason,
	}

	blockReason := req.Reason
	if blockReason == "" {
		blockReason = "High-risk SQL"
	}

	step := &db.ObservedStep{
		SessionID:         req.SessionID,
		Kind:              db.StepKindBlocker,
		Name:              req.ToolName,
		Status:            db.StepStatusOK,
		Summary:           "Blocked: " + blockReason,
		RiskLevel:         req.RiskLevel,
		SQLClassification: req.Classification,
		PolicyRuleIDs:     req.RuleIDs,
		Decision:          db.PendingStatusPending,
	}
	if err := b.store.AddStep(step); err != nil {
		return nil, fmt.Errorf("recording blocker step: %w", err)
	}

	pending.BlockerStepID = step.ID
	if err := b.store.CreatePendingRequest(pending); err != nil {
		return nil, fmt.Errorf("creating pending request: %w", err)
	}

	args := map[string]any{
		"request_id":      pending.ID,
		"reason":          req.Reason,
		"classification":  req.Classification,
		"risk_level":      req.RiskLevel,
		"policy_rule_ids": req.RuleIDs,
	}
	if req.SQL != "" {
		args["sql"] = capSQLForArgs(req.SQL)
	}
	if _, err := b.store.UpdateStep(step.ID, db.StepUpdate{MergeArgs: args}); err != nil {
		b.logger.Warn("annotating blocker step failed", "step_id", step.ID, "error", err)
	}

	b.logger.Info("holding for approval",
		"request_id", pending.ID, "tool", req.ToolName, "reason", req.Reason)

	decided, err := b.await(ctx, pending.ID)
	if err != nil {
		return nil, err
	}

	b.finishStep(step.ID, req.ToolName, decided.Status)

	switch decided.Status {
	case db.PendingStatusAllowed:
		b.logger.Info("approved", "request_id", pending.ID, "tool", req.ToolName)
		return nil, nil
	case db.PendingStatusTimeout:
		b.logger.Warn("timed out awaiting decision", "request_id", pending.ID, "tool", req.ToolName)
		return mcp.TextResult(fmt.Sprintf(timeoutRefusalFormat, req.Reason), true), nil
	default:
		b.logger.Info("denied", "request_id", pending.ID, "tool", req.ToolName)
		return mcp.TextResult(fmt.Sprintf(deniedRefusalFormat, req.Reason), true), nil
	}
}

// await polls the store until the request is decided or the deadline
// passes. A request that vanishes mid-wait counts as denied. On deadline
// the request is decided as timeout in the store so the operator CLI shows
// a terminal state.
func (b *blocker) await(ctx context.Context, requestID string) (*db.PendingRequest, error) {
	deadline := time.Now().Add(b.timeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		pending, err := b.store.GetPendingRequest(requestID)
		if errors.Is(err, db.ErrPendingNotFound) {
			b.logger.Warn("pending request vanished mid-wait", "request_id", requestID)
			return &db.PendingRequest{
				ID:     requestID,
				Status: db.PendingStatusDenied,
				Reason: "Pending request disappeared",
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("polling pending request: %w", err)
		}
		if pending.IsDecided() {
			return pending, nil
		}

		if !time.Now().Before(deadline) {
			decided, err := b.store.DecidePendingRequest(requestID, db.PendingStatusTimeout)
			if err != nil {
				return nil, fmt.Errorf("expiring pending request: %w", err)
			}
			return decided, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finishStep annotates the blocker step with the decision.
func (b *blocker) finishStep(stepID, toolName, decision string) {
	summary := blockerSummary(toolName, decision)
	update := db.StepUpdate{
		Summary:   &summary,
		Decision:  &decision,
		MergeArgs: map[string]any{"decision": decision},
	}
	if _, err := b.store.UpdateStep(stepID, update); err != nil {
		b.logger.Warn("updating blocker step failed", "step_id", stepID, "error", err)
	}
}

func blockerSummary(toolName, decision string) string {
	switch decision {
	case db.PendingStatusAllowed:
		return fmt.Sprintf("Approved blocked %s request", toolName)
	case db.PendingStatusTimeout:
		return fmt.Sprintf("Auto-denied blocked %s request (timeout)", toolName)
	default:
		return fmt.Sprintf("Denied blocked %s request", toolName)
	}
}
