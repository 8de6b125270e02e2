package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrCastNotFound is returned when a cast is not found.
var ErrCastNotFound = errors.New("cast not found")

const castColumns = `id, session_id, created_at, title, origin_step_id,
	sql_text, columns_json, rows_json, rows_shown, total_rows, truncated`

// AddCast persists a table cast artifact. The owning session must exist.
func (db *DB) AddCast(cast *TableCast) error {
	if cast.ID == "" {
		cast.ID = uuid.New().String()
	}
	if cast.CreatedAt.IsZero() {
		cast.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	exists, err := db.SessionExists(cast.SessionID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	_, err = db.exec(`
		INSERT INTO casts (`+castColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cast.ID, cast.SessionID, cast.CreatedAt.Format(time.RFC3339), cast.Title,
		cast.OriginStepID, nullString(cast.SQL), jsonColumn(cast.Columns),
		jsonCastRows(cast.Rows), cast.RowsShown, cast.TotalRows, boolToInt(cast.Truncated))
	if err != nil {
		return fmt.Errorf("adding cast: %w", err)
	}
	return nil
}

// GetCast retrieves a cast by ID.
func (db *DB) GetCast(id string) (*TableCast, error) {
	row := db.readDB.QueryRow(`SELECT `+castColumns+` FROM casts WHERE id = ?`, id)
	cast, err := scanCastFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCastNotFound
		}
		return nil, fmt.Errorf("scanning cast: %w", err)
	}
	return cast, nil
}

// ListCasts returns a session's casts ordered by creation time, ascending.
func (db *DB) ListCasts(sessionID string) ([]*TableCast, error) {
	rows, err := db.readDB.Query(`
		SELECT `+castColumns+` FROM casts
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying casts: %w", err)
	}
	defer rows.Close()

	var casts []*TableCast
	for rows.Next() {
		cast, err := scanCastFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cast row: %w", err)
		}
		casts = append(casts, cast)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating casts: %w", err)
	}
	return casts, nil
}

func scanCastFrom(scanner rowScanner) (*TableCast, error) {
	cast := &TableCast{}
	var createdAt string
	var sqlText, columnsJSON, rowsJSON sql.NullString
	var rowsShown, totalRows, truncated sql.NullInt64

	err := scanner.Scan(&cast.ID, &cast.SessionID, &createdAt, &cast.Title,
		&cast.OriginStepID, &sqlText, &columnsJSON, &rowsJSON,
		&rowsShown, &totalRows, &truncated)
	if err != nil {
		return nil, err
	}

	cast.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	cast.CreatedAt = cast.CreatedAt.UTC()

	cast.SQL = sqlText.String
	cast.RowsShown = int(rowsShown.Int64)
	cast.TotalRows = int(totalRows.Int64)
	cast.Truncated = truncated.Int64 != 0

	if err := unmarshalColumn(columnsJSON, &cast.Columns); err != nil {
		return nil, fmt.Errorf("parsing columns: %w", err)
	}
	if err := unmarshalColumn(rowsJSON, &cast.Rows); err != nil {
		return nil, fmt.Errorf("parsing rows: %w", err)
	}

	return cast, nil
}

func jsonCastRows(rows []map[string]any) sql.NullString {
	if rows == nil {
		return sql.NullString{}
	}
	return jsonColumn(any(rows))
}
