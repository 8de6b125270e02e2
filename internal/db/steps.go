package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStepNotFound is returned when a step is not found.
var ErrStepNotFound = errors.New("step not found")

const stepColumns = `id, session_id, created_at, kind, name, status, duration_ms,
	summary_text, risk_level, warnings_json, target_type, tool_category,
	sql_text, sql_truncated, sql_classification, policy_rule_ids_json,
	decision, result_rows_shown, result_rows_total, captured_bytes,
	error_message, tables_touched_json, args_json, result_json,
	preview_text, preview_truncated`

// AddStep persists a step. The owning session must exist; a vanished
// session yields ErrSessionNotFound so the caller can run its recovery
// path. Fills in ID and CreatedAt when unset.
func (db *DB) AddStep(step *ObservedStep) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.CreatedAt.IsZero() {
		// Second precision matches the stored RFC3339 text, so the struct
		// round-trips equal.
		step.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	exists, err := db.SessionExists(step.SessionID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	_, err = db.exec(`
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		step.ID, step.SessionID, step.CreatedAt.Format(time.RFC3339),
		step.Kind, step.Name, step.Status, nullInt64(step.DurationMS),
		nullString(step.Summary), nullString(step.RiskLevel), jsonColumn(step.Warnings),
		nullString(step.TargetType), nullString(step.ToolCategory),
		nullString(step.SQL), boolToInt(step.SQLTruncated), nullString(step.SQLClassification),
		jsonColumn(step.PolicyRuleIDs), nullString(step.Decision),
		nullInt64(step.ResultRowsShown), nullInt64(step.ResultRowsTotal), nullInt64(step.CapturedBytes),
		nullString(step.ErrorMessage), jsonColumn(step.TablesTouched),
		jsonColumn(step.Args), jsonColumn(step.Result),
		nullString(step.Preview), boolToInt(step.PreviewTruncated),
	)
	if err != nil {
		return fmt.Errorf("adding step: %w", err)
	}

	db.noteStepWritten()
	return nil
}

// StepUpdate names the fields a persisted step may amend. Nil fields are
// left untouched; MergeArgs entries are merged over the stored args.
type StepUpdate struct {
	Summary   *string
	Status    *string
	Decision  *string
	MergeArgs map[string]any
}

// UpdateStep amends a step in place. Only summary, status, decision, and
// merged args are mutable; identity and session linkage never change.
func (db *DB) UpdateStep(id string, update StepUpdate) (*ObservedStep, error) {
	step, err := db.GetStep(id)
	if err != nil {
		return nil, err
	}

	if update.Summary != nil {
		step.Summary = *update.Summary
	}
	if update.Status != nil {
		step.Status = *update.Status
	}
	if update.Decision != nil {
		step.Decision = *update.Decision
	}
	if len(update.MergeArgs) > 0 {
		if step.Args == nil {
			step.Args = make(map[string]any, len(update.MergeArgs))
		}
		for k, v := range update.MergeArgs {
			step.Args[k] = v
		}
	}

	result, err := db.exec(`
		UPDATE steps
		SET summary_text = ?, status = ?, decision = ?, args_json = ?
		WHERE id = ?
	`, nullString(step.Summary), step.Status, nullString(step.Decision), jsonColumn(step.Args), id)
	if err != nil {
		return nil, fmt.Errorf("updating step: %w", err)
	}
	if err := requireRow(result, ErrStepNotFound); err != nil {
		return nil, err
	}
	return step, nil
}

// GetStep retrieves a step by ID.
func (db *DB) GetStep(id string) (*ObservedStep, error) {
	row := db.readDB.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStepFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("scanning step: %w", err)
	}
	return step, nil
}

// ListSteps returns a session's steps ordered by creation time, ascending.
func (db *DB) ListSteps(sessionID string) ([]*ObservedStep, error) {
	rows, err := db.readDB.Query(`
		SELECT `+stepColumns+` FROM steps
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var steps []*ObservedStep
	for rows.Next() {
		step, err := scanStepFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

func scanStepFrom(scanner rowScanner) (*ObservedStep, error) {
	step := &ObservedStep{}
	var createdAt string
	var durationMS, rowsShown, rowsTotal, capturedBytes sql.NullInt64
	var summary, riskLevel, warningsJSON, targetType, toolCategory sql.NullString
	var sqlText, sqlClassification, ruleIDsJSON, decision sql.NullString
	var errorMessage, tablesJSON, argsJSON, resultJSON, preview sql.NullString
	var sqlTruncated, previewTruncated sql.NullInt64

	err := scanner.Scan(&step.ID, &step.SessionID, &createdAt, &step.Kind, &step.Name,
		&step.Status, &durationMS, &summary, &riskLevel, &warningsJSON,
		&targetType, &toolCategory, &sqlText, &sqlTruncated, &sqlClassification,
		&ruleIDsJSON, &decision, &rowsShown, &rowsTotal, &capturedBytes,
		&errorMessage, &tablesJSON, &argsJSON, &resultJSON, &preview, &previewTruncated)
	if err != nil {
		return nil, err
	}

	step.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	step.CreatedAt = step.CreatedAt.UTC()

	step.DurationMS = int64Ptr(durationMS)
	step.Summary = summary.String
	step.RiskLevel = riskLevel.String
	step.TargetType = targetType.String
	step.ToolCategory = toolCategory.String
	step.SQL = sqlText.String
	step.SQLTruncated = sqlTruncated.Int64 != 0
	step.SQLClassification = sqlClassification.String
	step.Decision = decision.String
	step.ResultRowsShown = int64Ptr(rowsShown)
	step.ResultRowsTotal = int64Ptr(rowsTotal)
	step.CapturedBytes = int64Ptr(capturedBytes)
	step.ErrorMessage = errorMessage.String
	step.Preview = preview.String
	step.PreviewTruncated = previewTruncated.Int64 != 0

	if err := unmarshalColumn(warningsJSON, &step.Warnings); err != nil {
		return nil, fmt.Errorf("parsing warnings: %w", err)
	}
	if err := unmarshalColumn(ruleIDsJSON, &step.PolicyRuleIDs); err != nil {
		return nil, fmt.Errorf("parsing policy rule ids: %w", err)
	}
	if err := unmarshalColumn(tablesJSON, &step.TablesTouched); err != nil {
		return nil, fmt.Errorf("parsing tables touched: %w", err)
	}
	if err := unmarshalColumn(argsJSON, &step.Args); err != nil {
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	if err := unmarshalColumn(resultJSON, &step.Result); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}

	return step, nil
}

// jsonColumn marshals a value to a nullable JSON TEXT column. Nil maps and
// slices store as NULL.
func jsonColumn(v any) sql.NullString {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return sql.NullString{}
		}
	case map[string]any:
		if t == nil {
			return sql.NullString{}
		}
	case nil:
		return sql.NullString{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalColumn(col sql.NullString, dest any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
