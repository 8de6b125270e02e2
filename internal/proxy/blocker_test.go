package proxy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/josephwibowo/mantora/internal/core"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/testutil"
)

func newTestBlocker(t *testing.T, database *db.DB, timeout time.Duration) *blocker {
	t.Helper()
	b := newBlocker(database, testutil.TestLogger(t), timeout)
	b.pollInterval = 5 * time.Millisecond
	return b
}

func destructiveRequest(sessionID string) approvalRequest {
	return guardApproval(sessionID, "run_query",
		"DELETE FROM users", "Destructive SQL operation detected",
		core.DefaultPolicy())
}

func TestHoldTimesOut(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	b := newTestBlocker(t, database, 30*time.Millisecond)

	refusal, err := b.Hold(context.Background(), destructiveRequest(session.ID))
	testutil.RequireNoError(t, err, "hold")
	if refusal == nil || !refusal.IsError {
		t.Fatalf("refusal = %+v, want error result", refusal)
	}
	text := refusal.Content[0].Text
	if !strings.HasPrefix(text, "⏳ TIMEOUT") {
		t.Fatalf("refusal text = %q", text)
	}
	if !strings.Contains(text, "Destructive SQL operation detected") {
		t.Fatalf("refusal missing reason: %q", text)
	}

	// The deadline leaves a terminal state in the store and an annotated
	// blocker step.
	requests, err := database.ListPendingRequests(session.ID, "")
	testutil.RequireNoError(t, err, "list requests")
	testutil.RequireLen(t, requests, 1, "requests")
	testutil.RequireEqual(t, db.PendingStatusTimeout, requests[0].Status, "status")

	steps, err := database.ListSteps(session.ID)
	testutil.RequireNoError(t, err, "list steps")
	testutil.RequireLen(t, steps, 1, "steps")
	testutil.RequireEqual(t, db.StepKindBlocker, steps[0].Kind, "kind")
	testutil.RequireEqual(t, "Auto-denied blocked run_query request (timeout)", steps[0].Summary, "summary")
	testutil.RequireEqual(t, db.PendingStatusTimeout, steps[0].Decision, "decision")
}

func TestHoldStoresCappedPendingArgs(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	b := newTestBlocker(t, database, 30*time.Millisecond)

	// A statement far past the excerpt cap must not land verbatim in the
	// pending record.
	sql := "DELETE FROM users WHERE id IN (" + strings.Repeat("1,", 100*1024) + "1)"
	req := guardApproval(session.ID, "run_query", sql,
		"Destructive SQL operation detected", core.DefaultPolicy())

	_, err := b.Hold(context.Background(), req)
	testutil.RequireNoError(t, err, "hold")

	requests, err := database.ListPendingRequests(session.ID, "")
	testutil.RequireNoError(t, err, "list requests")
	testutil.RequireLen(t, requests, 1, "requests")

	stored, ok := requests[0].Arguments["sql"].(string)
	if !ok {
		t.Fatalf("pending args = %v, want sql excerpt", requests[0].Arguments)
	}
	if len(stored) > sqlExcerptCapBytes+len(sqlTruncatedSuffix) {
		t.Fatalf("pending sql excerpt is %d bytes, cap is %d", len(stored), sqlExcerptCapBytes)
	}
	if !strings.HasSuffix(stored, sqlTruncatedSuffix) {
		t.Fatalf("pending sql excerpt missing truncation marker: ...%q", stored[len(stored)-20:])
	}
	if len(requests[0].Arguments) != 1 {
		t.Fatalf("pending args = %v, want only the sql excerpt", requests[0].Arguments)
	}
}

func TestHoldAllowed(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	b := newTestBlocker(t, database, 5*time.Second)

	go func() {
		for {
			requests, err := database.ListPendingRequests(session.ID, db.PendingStatusPending)
			if err == nil && len(requests) == 1 {
				database.DecidePendingRequest(requests[0].ID, db.PendingStatusAllowed)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	refusal, err := b.Hold(context.Background(), destructiveRequest(session.ID))
	testutil.RequireNoError(t, err, "hold")
	if refusal != nil {
		t.Fatalf("refusal = %+v, want nil for allowed", refusal)
	}

	steps, err := database.ListSteps(session.ID)
	testutil.RequireNoError(t, err, "list steps")
	testutil.RequireLen(t, steps, 1, "steps")
	testutil.RequireEqual(t, "Approved blocked run_query request", steps[0].Summary, "summary")
	testutil.RequireEqual(t, db.PendingStatusAllowed, steps[0].Decision, "decision")
	if steps[0].Args["request_id"] == "" {
		t.Fatalf("blocker step args = %v", steps[0].Args)
	}
	if steps[0].Args["sql"] != "DELETE FROM users" {
		t.Fatalf("sql excerpt = %v", steps[0].Args["sql"])
	}
}

func TestHoldDenied(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	b := newTestBlocker(t, database, 5*time.Second)

	go func() {
		for {
			requests, err := database.ListPendingRequests(session.ID, db.PendingStatusPending)
			if err == nil && len(requests) == 1 {
				database.DecidePendingRequest(requests[0].ID, db.PendingStatusDenied)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	refusal, err := b.Hold(context.Background(), destructiveRequest(session.ID))
	testutil.RequireNoError(t, err, "hold")
	if refusal == nil || !refusal.IsError {
		t.Fatalf("refusal = %+v, want error result", refusal)
	}
	if !strings.HasPrefix(refusal.Content[0].Text, "⛔ BLOCKED") {
		t.Fatalf("refusal text = %q", refusal.Content[0].Text)
	}

	steps, _ := database.ListSteps(session.ID)
	testutil.RequireLen(t, steps, 1, "steps")
	testutil.RequireEqual(t, "Denied blocked run_query request", steps[0].Summary, "summary")
}

func TestHoldVanishedRequestDenies(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	b := newTestBlocker(t, database, 5*time.Second)

	// Deleting the session cascades the pending request away mid-wait, but
	// also removes the blocker step, so only the refusal is checked here.
	go func() {
		for {
			requests, err := database.ListPendingRequests(session.ID, db.PendingStatusPending)
			if err == nil && len(requests) == 1 {
				database.DeleteSession(session.ID)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	refusal, err := b.Hold(context.Background(), destructiveRequest(session.ID))
	testutil.RequireNoError(t, err, "hold")
	if refusal == nil || !refusal.IsError {
		t.Fatalf("refusal = %+v, want error result", refusal)
	}
	if !strings.HasPrefix(refusal.Content[0].Text, "⛔ BLOCKED") {
		t.Fatalf("refusal text = %q", refusal.Content[0].Text)
	}
}

func TestHoldContextCancelled(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	b := newTestBlocker(t, database, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Hold(ctx, destructiveRequest(session.ID)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestUnknownToolApprovalShape(t *testing.T) {
	req := unknownToolApproval("s1", "mystery_tool", map[string]any{
		"flag":  true,
		"items": []any{1, 2, 3},
	})
	if req.Reason != "Unknown tool; requires approval in protective mode." {
		t.Fatalf("reason = %q", req.Reason)
	}
	if req.Classification != "unknown" || req.RiskLevel != "unknown" {
		t.Fatalf("classification = %q, risk = %q", req.Classification, req.RiskLevel)
	}
	if len(req.RuleIDs) != 1 || req.RuleIDs[0] != "unknown_tool_requires_approval" {
		t.Fatalf("rule ids = %v", req.RuleIDs)
	}
	if req.Arguments["flag"] != true {
		t.Fatalf("flag = %v", req.Arguments["flag"])
	}
	if req.Arguments["items"] != "<list len=3>" {
		t.Fatalf("items = %v", req.Arguments["items"])
	}
}
