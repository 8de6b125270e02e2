package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session is not found.
var ErrSessionNotFound = errors.New("session not found")

const sessionColumns = `id, title, created_at, client_id, repo_root, repo_name, branch_name, commit_sha, is_dirty, config_source, tag`

// CreateSession creates a new session with a generated UUID.
func (db *DB) CreateSession(title string, context *SessionContext, clientID string) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		ClientID:  clientID,
		Context:   context,
	}

	var repoRoot, repoName, branch, commit, configSource, tag sql.NullString
	var isDirty sql.NullInt64
	if context != nil {
		repoRoot = nullString(context.RepoRoot)
		repoName = nullString(context.RepoName)
		branch = nullString(context.Branch)
		commit = nullString(context.Commit)
		configSource = nullString(context.ConfigSource)
		tag = nullString(context.Tag)
		if context.Dirty != nil {
			isDirty = sql.NullInt64{Int64: boolToInt(*context.Dirty), Valid: true}
		}
	}

	_, err := db.exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, nullString(s.Title), s.CreatedAt.Format(time.RFC3339), nullString(clientID),
		repoRoot, repoName, branch, commit, isDirty, configSource, tag)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return s, nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.readDB.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// SessionExists reports whether the session is present in the store.
func (db *DB) SessionExists(id string) (bool, error) {
	var one int
	err := db.readDB.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking session existence: %w", err)
	}
	return true, nil
}

// GetLastActiveAt returns the session's last activity: the newest step's
// creation time, or the session's own creation time when it has no steps.
func (db *DB) GetLastActiveAt(id string) (time.Time, error) {
	session, err := db.GetSession(id)
	if err != nil {
		return time.Time{}, err
	}

	var last sql.NullString
	err = db.readDB.QueryRow(`
		SELECT MAX(created_at) FROM steps WHERE session_id = ?
	`, id).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last step time: %w", err)
	}
	if !last.Valid || last.String == "" {
		return session.CreatedAt, nil
	}

	t, err := time.Parse(time.RFC3339, last.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last step time: %w", err)
	}
	return t.UTC(), nil
}

// UpdateSessionTag sets or clears a session's tag.
func (db *DB) UpdateSessionTag(id, tag string) error {
	result, err := db.exec(`UPDATE sessions SET tag = ? WHERE id = ?`, nullString(tag), id)
	if err != nil {
		return fmt.Errorf("updating session tag: %w", err)
	}
	return requireRow(result, ErrSessionNotFound)
}

// DeleteSession removes a session and, via cascade, its steps, casts, and
// pending requests.
func (db *DB) DeleteSession(id string) error {
	result, err := db.exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireRow(result, ErrSessionNotFound)
}

// ListSessions returns sessions newest-first, up to limit (0 = no limit).
func (db *DB) ListSessions(limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// GetClientDefaultTargetType returns the remembered target type for a
// client, or "" when none is stored.
func (db *DB) GetClientDefaultTargetType(clientID string) (string, error) {
	var target sql.NullString
	err := db.readDB.QueryRow(`
		SELECT target_type FROM client_defaults WHERE client_id = ?
	`, clientID).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading client default target: %w", err)
	}
	return target.String, nil
}

// SetClientDefaultTargetType remembers the target type for a client. An
// empty target clears the default.
func (db *DB) SetClientDefaultTargetType(clientID, targetType string) error {
	if targetType == "" {
		if _, err := db.exec(`DELETE FROM client_defaults WHERE client_id = ?`, clientID); err != nil {
			return fmt.Errorf("clearing client default target: %w", err)
		}
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.exec(`
		INSERT INTO client_defaults (client_id, target_type, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			target_type = excluded.target_type,
			updated_at = excluded.updated_at
	`, clientID, targetType, now)
	if err != nil {
		return fmt.Errorf("setting client default target: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionFrom(scanner rowScanner) (*Session, error) {
	s := &Session{}
	var title, clientID, repoRoot, repoName, branch, commit, configSource, tag sql.NullString
	var isDirty sql.NullInt64
	var createdAt string

	err := scanner.Scan(&s.ID, &title, &createdAt, &clientID,
		&repoRoot, &repoName, &branch, &commit, &isDirty, &configSource, &tag)
	if err != nil {
		return nil, err
	}

	s.Title = title.String
	s.ClientID = clientID.String
	s.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	s.CreatedAt = s.CreatedAt.UTC()

	if repoRoot.Valid || repoName.Valid || branch.Valid || commit.Valid ||
		isDirty.Valid || configSource.Valid || tag.Valid {
		ctx := &SessionContext{
			RepoRoot:     repoRoot.String,
			RepoName:     repoName.String,
			Branch:       branch.String,
			Commit:       commit.String,
			ConfigSource: configSource.String,
			Tag:          tag.String,
		}
		if isDirty.Valid {
			dirty := isDirty.Int64 != 0
			ctx.Dirty = &dirty
		}
		s.Context = ctx
	}

	return s, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	s, err := scanSessionFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSessionFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func requireRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
