package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/josephwibowo/mantora/internal/adapter"
	"github.com/josephwibowo/mantora/internal/core"
	"github.com/josephwibowo/mantora/internal/db"
)

// Capture limits on persisted step fields. Independent of the response caps:
// these bound what the audit trail stores, not what the agent sees.
const (
	sqlExcerptCapBytes   = 8 * 1024
	errorMessageCapBytes = 2 * 1024
	stepPreviewCapBytes  = 1024
)

// sqlTruncatedSuffix marks a capped SQL excerpt in recorded step args.
const sqlTruncatedSuffix = "\n-- [truncated]"

// stepRecorder persists observed steps. Recording never fails a tool call:
// a vanished session is replaced by a recovery session and the step
// re-targeted; any other persist error is retried once and then logged and
// dropped.
type stepRecorder struct {
	store    *db.DB
	logger   *log.Logger
	adapter  adapter.Adapter
	sessions *sessionManager
}

func newStepRecorder(store *db.DB, logger *log.Logger, a adapter.Adapter, sessions *sessionManager) *stepRecorder {
	return &stepRecorder{store: store, logger: logger.WithPrefix("steps"), adapter: a, sessions: sessions}
}

// stepInput is everything the bridge knows about one finished tool call.
type stepInput struct {
	StepID     string
	SessionID  string
	Name       string
	Args       map[string]any
	Result     any
	Status     string
	DurationMS int64
	RowsShown  *int64
	RowsTotal  *int64
}

// Record builds and persists the observed step for one tool call.
func (r *stepRecorder) Record(in stepInput) {
	category := r.adapter.CategorizeTool(in.Name)
	if in.Name == "cast_table" {
		category = adapter.CategoryCast
	}

	step := &db.ObservedStep{
		ID:              in.StepID,
		SessionID:       in.SessionID,
		Kind:            db.StepKindToolCall,
		Name:            in.Name,
		Status:          in.Status,
		DurationMS:      &in.DurationMS,
		TargetType:      r.adapter.TargetType(),
		Args:            in.Args,
		ResultRowsShown: in.RowsShown,
		ResultRowsTotal: in.RowsTotal,
	}
	if category != adapter.CategorySession {
		step.ToolCategory = string(category)
	}

	sqlForAnalysis := ""
	if in.Name == "cast_table" {
		if s, ok := in.Args["sql"].(string); ok {
			sqlForAnalysis = s
		}
	} else if category == adapter.CategoryQuery {
		sqlForAnalysis = adapter.ExtractSQL(in.Args)
	}

	if sqlForAnalysis != "" {
		step.SQL, step.SQLTruncated = core.CapText(sqlForAnalysis, sqlExcerptCapBytes)
		guard := core.AnalyzeSQL(sqlForAnalysis)
		step.SQLClassification = string(guard.Classification)
		step.RiskLevel = string(guard.RiskLevel)
		step.Warnings = guard.WarningStrings()
		step.TablesTouched = guard.Tables
	}

	if category == adapter.CategoryCast {
		if m, ok := in.Result.(map[string]any); ok {
			step.Result = m
		}
	} else if in.Result != nil {
		step.Result = map[string]any{"content": in.Result}
	}

	preview := serializeForPreview(in.Result)
	step.Preview, step.PreviewTruncated = core.CapText(preview, stepPreviewCapBytes)

	if category == adapter.CategoryQuery || in.Status == db.StepStatusError {
		if msg := extractQueryErrorMessage(in.Result); msg != "" {
			step.ErrorMessage, _ = core.CapText(msg, errorMessageCapBytes)
			step.Status = db.StepStatusError
		}
	}

	captured := int64(len(step.Preview) + len(step.SQL) + len(step.ErrorMessage))
	step.CapturedBytes = &captured
	step.Summary = stepSummary(in.Name, step.Status)

	if err := r.store.AddStep(step); err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			// The owning session vanished between step-start and persist,
			// likely deleted by the operator CLI. Re-target the step to a
			// fresh recovery session rather than dropping the audit record.
			recoveredID, startErr := r.sessions.Start("Recovered Session")
			if startErr != nil {
				r.logger.Error("dropping step, recovery session failed",
					"step_id", step.ID, "tool", in.Name, "error", startErr)
				return
			}
			step.SessionID = recoveredID
			if err = r.store.AddStep(step); err != nil {
				r.logger.Error("dropping unrecordable step",
					"step_id", step.ID, "tool", in.Name, "error", err)
			}
			return
		}
		// One retry covers transient lock contention with the operator CLI.
		if err = r.store.AddStep(step); err != nil {
			r.logger.Error("dropping unrecordable step",
				"step_id", step.ID, "tool", in.Name, "error", err)
		}
	}
}

// stepSummary is the one-line step description shown in listings.
func stepSummary(name, status string) string {
	if status == db.StepStatusError {
		return name + " failed"
	}
	return name
}

func serializeForPreview(result any) string {
	if result == nil {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

// capSQLForArgs caps a SQL string for inclusion in recorded step args,
// marking the cut inside the text itself so the excerpt is self-describing.
func capSQLForArgs(sql string) string {
	capped, truncated := core.CapText(sql, sqlExcerptCapBytes)
	if truncated {
		return capped + sqlTruncatedSuffix
	}
	return capped
}

// summarizeArgs reduces unknown-tool arguments to a shape safe to persist:
// short scalars verbatim, everything else by type and size.
func summarizeArgs(args map[string]any) map[string]any {
	summary := make(map[string]any, len(args))
	for key, value := range args {
		switch v := value.(type) {
		case nil, bool, float64, int, int64:
			summary[key] = v
		case string:
			if len(v) <= 120 {
				summary[key] = v
			} else {
				summary[key] = "<omitted>"
			}
		case []any:
			summary[key] = fmt.Sprintf("<list len=%d>", len(v))
		case map[string]any:
			summary[key] = fmt.Sprintf("<object keys=%d>", len(v))
		default:
			summary[key] = fmt.Sprintf("<%T>", v)
		}
	}
	return summary
}

// redactCastTableArgs strips the row payload out of cast_table args before
// recording; the rows live in the cast artifact, not the step.
func redactCastTableArgs(args map[string]any) map[string]any {
	redacted := make(map[string]any, len(args))
	for key, value := range args {
		if key == "rows" {
			if rows, ok := value.([]any); ok {
				redacted[key] = fmt.Sprintf("<%d rows>", len(rows))
			} else {
				redacted[key] = "<rows>"
			}
			continue
		}
		redacted[key] = value
	}
	return redacted
}

// extractQueryErrorMessage sniffs a tool result for an application-level
// database error delivered inside a successful RPC envelope. Target servers
// report failures as JSON or prose in text blocks, so every payload shape
// is tried in turn.
func extractQueryErrorMessage(result any) string {
	for _, payload := range iterPayloads(result) {
		switch v := payload.(type) {
		case map[string]any:
			if msg := extractErrorFromMap(v); msg != "" {
				return msg
			}
			if text, ok := v["text"].(string); ok {
				if msg := extractErrorFromText(text); msg != "" {
					return msg
				}
			}
		case string:
			if msg := extractErrorFromText(v); msg != "" {
				return msg
			}
		}
	}
	return ""
}

func iterPayloads(result any) []any {
	switch v := result.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []map[string]any:
		payloads := make([]any, len(v))
		for i, m := range v {
			payloads[i] = m
		}
		return payloads
	default:
		return []any{v}
	}
}

func extractErrorFromMap(payload map[string]any) string {
	for _, key := range []string{"error", "errors"} {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if msg := extractErrorFromValue(value); msg != "" {
			return msg
		}
	}
	return ""
}

func extractErrorFromValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
	case []any:
		for _, item := range v {
			if msg := extractErrorFromValue(item); msg != "" {
				return msg
			}
		}
	}
	return ""
}

// extractErrorFromText inspects a text block: JSON-looking text is parsed
// and re-sniffed, prose starting with "database error" is taken verbatim.
func extractErrorFromText(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			switch v := parsed.(type) {
			case map[string]any:
				if msg := extractErrorFromMap(v); msg != "" {
					return msg
				}
			case []any:
				if msg := extractQueryErrorMessage(v); msg != "" {
					return msg
				}
			}
		}
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "database error") {
		return trimmed
	}
	return ""
}
