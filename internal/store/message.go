package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pmaia/chatvault/internal/msgid"
	"go.uber.org/zap"
)

// UpsertMessages writes a batch of messages for one channel in a single
// transaction. Per message it derives the content summary and the creation
// timestamp from the identifier, then stores the serialized object as the
// payload. A message that fails to serialize is skipped and the rest of the
// batch proceeds. Returns the number of messages written.
func (db *DB) UpsertMessages(scope Scope, channelID string, msgs []*Message) (int, error) {
	if db.disabled || len(msgs) == 0 {
		return 0, nil
	}

	tx, err := db.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, m := range msgs {
		m.ChannelID = channelID
		m.CreatedAt = msgid.UnixMilliOf(m.ID)
		payload, err := json.Marshal(m)
		if err != nil {
			db.logger.Warn("skipping unserializable message",
				zap.Error(err), zap.String("msg_id", m.ID))
			continue
		}
		var editedAt any
		if m.EditedAt > 0 {
			editedAt = m.EditedAt
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (endpoint, account_id, msg_id, channel_id, author_id, content_summary, created_at, edited_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(endpoint, account_id, msg_id) DO UPDATE SET
				channel_id = excluded.channel_id,
				author_id = excluded.author_id,
				content_summary = excluded.content_summary,
				created_at = excluded.created_at,
				edited_at = excluded.edited_at,
				payload = excluded.payload`,
			scope.Endpoint, scope.UserID, m.ID, channelID, m.AuthorID,
			ContentSummary(m), m.CreatedAt, editedAt, payload); err != nil {
			return 0, fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return written, nil
}

// LoadMessages returns the most recent limit messages for a channel in
// chronological (oldest-first) order.
func (db *DB) LoadMessages(scope Scope, channelID string, limit int) ([]*Message, error) {
	if db.disabled {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.sql.Query(`
		SELECT payload FROM messages
		WHERE endpoint = ? AND account_id = ? AND channel_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		scope.Endpoint, scope.UserID, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			db.logger.Warn("skipping corrupt message payload", zap.Error(err))
			continue
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers read oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// HasMessages reports whether any message is stored for the channel.
func (db *DB) HasMessages(scope Scope, channelID string) (bool, error) {
	if db.disabled {
		return false, nil
	}
	var one int
	err := db.sql.QueryRow(`
		SELECT 1 FROM messages
		WHERE endpoint = ? AND account_id = ? AND channel_id = ?
		LIMIT 1`,
		scope.Endpoint, scope.UserID, channelID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMessage applies an edit to a stored message: the payload is
// deserialized, content and edit time replaced, and the object re-serialized
// so a later full read reflects the edit. Unknown ids are a no-op.
func (db *DB) UpdateMessage(scope Scope, id, channelID, content string, editedAt int64) error {
	return db.updateMessage(scope, id, channelID, content, editedAt)
}

// UpdateMessageByID is UpdateMessage for callers that do not know the
// channel, e.g. an edit event carrying only the message id.
func (db *DB) UpdateMessageByID(scope Scope, id, content string, editedAt int64) error {
	return db.updateMessage(scope, id, "", content, editedAt)
}

func (db *DB) updateMessage(scope Scope, id, channelID, content string, editedAt int64) error {
	if db.disabled {
		return nil
	}

	query := `SELECT payload FROM messages WHERE endpoint = ? AND account_id = ? AND msg_id = ?`
	args := []any{scope.Endpoint, scope.UserID, id}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}

	var payload []byte
	err := db.sql.QueryRow(query, args...).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("decode payload for %q: %w", id, err)
	}
	m.Content = content
	m.EditedAt = editedAt
	updated, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", id, err)
	}

	_, err = db.sql.Exec(`
		UPDATE messages
		SET content_summary = ?, edited_at = ?, payload = ?
		WHERE endpoint = ? AND account_id = ? AND msg_id = ?`,
		ContentSummary(&m), editedAt, updated,
		scope.Endpoint, scope.UserID, id)
	return err
}

// DeleteMessage removes a message scoped to its channel.
func (db *DB) DeleteMessage(scope Scope, id, channelID string) error {
	if db.disabled {
		return nil
	}
	_, err := db.sql.Exec(`
		DELETE FROM messages
		WHERE endpoint = ? AND account_id = ? AND msg_id = ? AND channel_id = ?`,
		scope.Endpoint, scope.UserID, id, channelID)
	return err
}

// DeleteMessageByID removes a message without channel context.
func (db *DB) DeleteMessageByID(scope Scope, id string) error {
	if db.disabled {
		return nil
	}
	_, err := db.sql.Exec(`
		DELETE FROM messages
		WHERE endpoint = ? AND account_id = ? AND msg_id = ?`,
		scope.Endpoint, scope.UserID, id)
	return err
}
