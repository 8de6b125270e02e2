package db

import (
	"fmt"
	"os"
	"time"
)

// PruneSessions enforces retention: sessions older than retentionDays are
// deleted, then, if the database file still exceeds maxBytes, the oldest
// remaining sessions go next until it fits. Either limit <= 0 disables that
// limit. Returns the number of sessions deleted.
func (db *DB) PruneSessions(retentionDays int, maxBytes int64) (int, error) {
	deleted := 0

	if retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
		result, err := db.exec(`DELETE FROM sessions WHERE created_at < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("pruning expired sessions: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}

	if maxBytes > 0 {
		for {
			size, err := db.fileSize()
			if err != nil || size <= maxBytes {
				return deleted, err
			}

			var oldest string
			err = db.readDB.QueryRow(`
				SELECT id FROM sessions ORDER BY created_at ASC, id ASC LIMIT 1
			`).Scan(&oldest)
			if err != nil {
				// No sessions left to delete; the file is as small as it gets.
				return deleted, nil
			}

			if err := db.DeleteSession(oldest); err != nil {
				return deleted, fmt.Errorf("pruning oldest session: %w", err)
			}
			deleted++

			db.writeMu.Lock()
			_, _ = db.Exec("VACUUM")
			db.checkpointLocked()
			db.writeMu.Unlock()
		}
	}

	return deleted, nil
}

func (db *DB) fileSize() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, fmt.Errorf("stat database file: %w", err)
	}
	return info.Size(), nil
}

// maybePrune runs one retention pass unless another pass is already
// running. Invoked off the hot path by noteStepWritten.
func (db *DB) maybePrune() {
	if db.retentionDays <= 0 && db.maxDBBytes <= 0 {
		return
	}
	if !db.pruneMu.TryLock() {
		return
	}
	defer db.pruneMu.Unlock()
	_, _ = db.PruneSessions(db.retentionDays, db.maxDBBytes)
}
