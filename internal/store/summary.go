package store

import (
	"database/sql"
	"time"
)

// UpdateChannelSummary recomputes the rollup for a channel: message_count
// from a COUNT query (recomputed, never incremented, to avoid drift),
// last_message_id as the newest-by-creation-time stored message, and
// last_updated as now. Runs after every message batch write.
func (db *DB) UpdateChannelSummary(scope Scope, channelID string) error {
	if db.disabled {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.sql.Exec(`
		INSERT INTO channel_summaries (endpoint, account_id, channel_id, last_message_id, message_count, last_updated)
		VALUES (
			?, ?, ?,
			(SELECT msg_id FROM messages WHERE endpoint = ?1 AND account_id = ?2 AND channel_id = ?3 ORDER BY created_at DESC LIMIT 1),
			(SELECT COUNT(*) FROM messages WHERE endpoint = ?1 AND account_id = ?2 AND channel_id = ?3),
			?4
		)
		ON CONFLICT(endpoint, account_id, channel_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			message_count = excluded.message_count,
			last_updated = excluded.last_updated`,
		scope.Endpoint, scope.UserID, channelID, now)
	return err
}

// GetChannelSummary returns the rollup for a channel, or nil if the channel
// has never been summarized.
func (db *DB) GetChannelSummary(scope Scope, channelID string) (*ChannelSummary, error) {
	if db.disabled {
		return nil, nil
	}
	var s ChannelSummary
	var lastID sql.NullString
	err := db.sql.QueryRow(`
		SELECT channel_id, last_message_id, message_count, last_updated
		FROM channel_summaries
		WHERE endpoint = ? AND account_id = ? AND channel_id = ?`,
		scope.Endpoint, scope.UserID, channelID).
		Scan(&s.ChannelID, &lastID, &s.MessageCount, &s.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.LastMessageID = lastID.String
	return &s, nil
}
