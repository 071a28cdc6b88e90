package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PurgeResult reports what a retention purge removed.
type PurgeResult struct {
	Messages int64 `json:"messages"`
	Users    int64 `json:"users"`
}

// PurgeOlderThan deletes messages across all account namespaces whose
// creation time (as derived from the identifier at write time) is older than
// the cutoff, sweeps users no remaining message references, refreshes the
// affected channel summaries and reclaims disk space.
func (db *DB) PurgeOlderThan(retention time.Duration) (PurgeResult, error) {
	if db.disabled {
		return PurgeResult{}, nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	res, err := db.sql.Exec(`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge messages: %w", err)
	}
	msgsDeleted, _ := res.RowsAffected()

	usersDeleted, err := db.sweepOrphanUsers()
	if err != nil {
		return PurgeResult{}, err
	}

	if err := db.refreshSummariesAfterPurge(); err != nil {
		return PurgeResult{}, err
	}

	if _, err := db.sql.Exec(`VACUUM`); err != nil {
		// Space reclamation is best-effort; the deletes stand.
		db.logger.Warn("vacuum failed", zap.Error(err))
	}

	return PurgeResult{Messages: msgsDeleted, Users: usersDeleted}, nil
}

// PurgeScope removes every row belonging to one account namespace. Used for
// explicit hard wipes; routine sign-out only clears in-memory state.
func (db *DB) PurgeScope(scope Scope) error {
	if db.disabled {
		return nil
	}
	for _, table := range []string{"messages", "users", "channel_summaries"} {
		if _, err := db.sql.Exec(
			`DELETE FROM `+table+` WHERE endpoint = ? AND account_id = ?`,
			scope.Endpoint, scope.UserID); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return nil
}

// SweepOrphanUsers deletes users referenced as author by no stored message.
func (db *DB) SweepOrphanUsers() (int64, error) {
	if db.disabled {
		return 0, nil
	}
	return db.sweepOrphanUsers()
}

func (db *DB) sweepOrphanUsers() (int64, error) {
	res, err := db.sql.Exec(`
		DELETE FROM users WHERE NOT EXISTS (
			SELECT 1 FROM messages m
			WHERE m.endpoint = users.endpoint
			  AND m.account_id = users.account_id
			  AND m.author_id = users.user_id
		)`)
	if err != nil {
		return 0, fmt.Errorf("sweep orphan users: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (db *DB) refreshSummariesAfterPurge() error {
	now := time.Now().UnixMilli()
	if _, err := db.sql.Exec(`
		UPDATE channel_summaries SET
			message_count = (
				SELECT COUNT(*) FROM messages m
				WHERE m.endpoint = channel_summaries.endpoint
				  AND m.account_id = channel_summaries.account_id
				  AND m.channel_id = channel_summaries.channel_id
			),
			last_message_id = (
				SELECT msg_id FROM messages m
				WHERE m.endpoint = channel_summaries.endpoint
				  AND m.account_id = channel_summaries.account_id
				  AND m.channel_id = channel_summaries.channel_id
				ORDER BY created_at DESC LIMIT 1
			),
			last_updated = ?`, now); err != nil {
		return fmt.Errorf("refresh summaries: %w", err)
	}
	// A channel whose messages are all gone loses its summary implicitly.
	if _, err := db.sql.Exec(`DELETE FROM channel_summaries WHERE message_count = 0`); err != nil {
		return fmt.Errorf("drop empty summaries: %w", err)
	}
	return nil
}

// Stats returns store-wide totals and an on-disk size estimate.
func (db *DB) Stats() (Stats, error) {
	if db.disabled {
		return Stats{}, nil
	}
	var s Stats
	if err := db.sql.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&s.MessageCount); err != nil {
		return Stats{}, err
	}
	if err := db.sql.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&s.UserCount); err != nil {
		return Stats{}, err
	}
	var pageCount, pageSize int64
	if err := db.sql.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return Stats{}, err
	}
	if err := db.sql.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Stats{}, err
	}
	s.SizeBytes = pageCount * pageSize
	return s, nil
}
