package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrPendingNotFound is returned when a pending request is not found.
var ErrPendingNotFound = errors.New("pending request not found")

const pendingColumns = `id, session_id, created_at, tool_name, arguments_json,
	classification, risk_level, reason, blocker_step_id, status, decided_at`

// CreatePendingRequest persists a new pending approval record in state
// pending. The owning session must exist.
func (db *DB) CreatePendingRequest(req *PendingRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	req.Status = PendingStatusPending
	req.DecidedAt = nil

	exists, err := db.SessionExists(req.SessionID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	_, err = db.exec(`
		INSERT INTO pending_requests (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, req.ID, req.SessionID, req.CreatedAt.Format(time.RFC3339), req.ToolName,
		jsonColumn(req.Arguments), nullString(req.Classification), nullString(req.RiskLevel),
		nullString(req.Reason), nullString(req.BlockerStepID), req.Status)
	if err != nil {
		return fmt.Errorf("creating pending request: %w", err)
	}
	return nil
}

// GetPendingRequest retrieves a pending request by ID through the read
// handle, so decisions written by another process are observed.
func (db *DB) GetPendingRequest(id string) (*PendingRequest, error) {
	row := db.readDB.QueryRow(`SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, id)
	req, err := scanPendingFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("scanning pending request: %w", err)
	}
	return req, nil
}

// ListPendingRequests returns pending requests, newest first. sessionID and
// status filter when non-empty.
func (db *DB) ListPendingRequests(sessionID, status string) ([]*PendingRequest, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_requests`
	var conds []string
	var args []any
	if sessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, sessionID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := db.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []*PendingRequest
	for rows.Next() {
		req, err := scanPendingFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending requests: %w", err)
	}
	return reqs, nil
}

// ListExpiredPending returns still-pending requests created before cutoff,
// oldest first. Used by the sweeper to expire requests whose proxy died
// before enforcing its own deadline.
func (db *DB) ListExpiredPending(cutoff time.Time) ([]*PendingRequest, error) {
	rows, err := db.readDB.Query(`
		SELECT `+pendingColumns+` FROM pending_requests
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC, id ASC
	`, PendingStatusPending, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying expired pending requests: %w", err)
	}
	defer rows.Close()

	var pending []*PendingRequest
	for rows.Next() {
		req, err := scanPendingFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending row: %w", err)
		}
		pending = append(pending, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending requests: %w", err)
	}
	return pending, nil
}

// DecidePendingRequest moves a pending request to a terminal status.
// Idempotent: an already-decided request is returned unchanged, original
// decided_at included, so a deadline racing an operator decision resolves
// to exactly one terminal state.
func (db *DB) DecidePendingRequest(id, status string) (*PendingRequest, error) {
	switch status {
	case PendingStatusAllowed, PendingStatusDenied, PendingStatusTimeout:
	default:
		return nil, fmt.Errorf("invalid decision status %q", status)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning decide transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, id)
	req, err := scanPendingFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("scanning pending request: %w", err)
	}

	if req.IsDecided() {
		return req, nil
	}

	decidedAt := time.Now().UTC().Truncate(time.Second)
	if _, err := tx.Exec(`
		UPDATE pending_requests SET status = ?, decided_at = ? WHERE id = ?
	`, status, decidedAt.Format(time.RFC3339), id); err != nil {
		return nil, fmt.Errorf("deciding pending request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing decision: %w", err)
	}
	db.checkpointLocked()

	req.Status = status
	req.DecidedAt = &decidedAt
	return req, nil
}

func scanPendingFrom(scanner rowScanner) (*PendingRequest, error) {
	req := &PendingRequest{}
	var createdAt string
	var argsJSON, classification, riskLevel, reason, blockerStepID, decidedAt sql.NullString

	err := scanner.Scan(&req.ID, &req.SessionID, &createdAt, &req.ToolName, &argsJSON,
		&classification, &riskLevel, &reason, &blockerStepID, &req.Status, &decidedAt)
	if err != nil {
		return nil, err
	}

	req.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	req.CreatedAt = req.CreatedAt.UTC()

	req.Classification = classification.String
	req.RiskLevel = riskLevel.String
	req.Reason = reason.String
	req.BlockerStepID = blockerStepID.String

	if err := unmarshalColumn(argsJSON, &req.Arguments); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	if decidedAt.Valid && decidedAt.String != "" {
		t, err := time.Parse(time.RFC3339, decidedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing decided_at: %w", err)
		}
		t = t.UTC()
		req.DecidedAt = &t
	}

	return req, nil
}
