package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/josephwibowo/mantora/internal/db"
)

type sessionParams struct {
	title    string
	clientID string
	context  *db.SessionContext
}

// SessionOption customizes a test session.
type SessionOption func(*sessionParams)

// SessionWithTitle sets the session title.
func SessionWithTitle(title string) SessionOption {
	return func(p *sessionParams) { p.title = title }
}

// SessionWithClientID sets the client ID.
func SessionWithClientID(clientID string) SessionOption {
	return func(p *sessionParams) { p.clientID = clientID }
}

// SessionWithContext attaches repository context.
func SessionWithContext(ctx *db.SessionContext) SessionOption {
	return func(p *sessionParams) { p.context = ctx }
}

// MakeSession creates and inserts a session into the DB.
func MakeSession(t *testing.T, database *db.DB, opts ...SessionOption) *db.Session {
	t.Helper()

	p := sessionParams{title: "Session " + randHex(4)}
	for _, opt := range opts {
		opt(&p)
	}
	session, err := database.CreateSession(p.title, p.context, p.clientID)
	RequireNoError(t, err, "create session")
	return session
}

// StepOption customizes a test step.
type StepOption func(*db.ObservedStep)

// StepWithSQL sets the recorded SQL.
func StepWithSQL(sql string) StepOption {
	return func(s *db.ObservedStep) { s.SQL = sql }
}

// StepWithStatus sets the step status.
func StepWithStatus(status string) StepOption {
	return func(s *db.ObservedStep) { s.Status = status }
}

// StepWithKind sets the step kind.
func StepWithKind(kind string) StepOption {
	return func(s *db.ObservedStep) { s.Kind = kind }
}

// MakeStep creates and inserts a tool-call step linked to a session.
func MakeStep(t *testing.T, database *db.DB, session *db.Session, opts ...StepOption) *db.ObservedStep {
	t.Helper()

	step := &db.ObservedStep{
		SessionID: session.ID,
		Kind:      db.StepKindToolCall,
		Name:      "run_query",
		Status:    db.StepStatusOK,
		Summary:   "run_query",
	}
	for _, opt := range opts {
		opt(step)
	}
	RequireNoError(t, database.AddStep(step), "add step")
	return step
}

// PendingOption customizes a test pending request.
type PendingOption func(*db.PendingRequest)

// PendingWithTool sets the tool name.
func PendingWithTool(name string) PendingOption {
	return func(p *db.PendingRequest) { p.ToolName = name }
}

// PendingWithReason sets the block reason.
func PendingWithReason(reason string) PendingOption {
	return func(p *db.PendingRequest) { p.Reason = reason }
}

// MakePending creates and inserts a pending request linked to a session.
func MakePending(t *testing.T, database *db.DB, session *db.Session, opts ...PendingOption) *db.PendingRequest {
	t.Helper()

	req := &db.PendingRequest{
		SessionID:      session.ID,
		ToolName:       "run_query",
		Classification: "destructive",
		RiskLevel:      "CRITICAL",
		Reason:         "Destructive SQL operation detected",
	}
	for _, opt := range opts {
		opt(req)
	}
	RequireNoError(t, database.CreatePendingRequest(req), "create pending request")
	return req
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
