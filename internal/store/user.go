package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// UpsertUsers writes a batch of users in a single transaction with the same
// skip-and-continue tolerance as message batches.
func (db *DB) UpsertUsers(scope Scope, users []*User) (int, error) {
	if db.disabled || len(users) == 0 {
		return 0, nil
	}

	tx, err := db.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, u := range users {
		payload, err := json.Marshal(u)
		if err != nil {
			db.logger.Warn("skipping unserializable user",
				zap.Error(err), zap.String("user_id", u.ID))
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO users (endpoint, account_id, user_id, username, display_name, avatar_ref, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(endpoint, account_id, user_id) DO UPDATE SET
				username = excluded.username,
				display_name = excluded.display_name,
				avatar_ref = excluded.avatar_ref,
				payload = excluded.payload`,
			scope.Endpoint, scope.UserID, u.ID, u.Username,
			nullable(u.DisplayName), nullable(u.AvatarRef), payload); err != nil {
			return 0, fmt.Errorf("upsert user %q: %w", u.ID, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return written, nil
}

// LoadUsers fetches users by id. Missing ids are simply absent from the
// result, not an error.
func (db *DB) LoadUsers(scope Scope, ids []string) (map[string]*User, error) {
	result := make(map[string]*User, len(ids))
	if db.disabled || len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{scope.Endpoint, scope.UserID}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := db.sql.Query(`
		SELECT payload FROM users
		WHERE endpoint = ? AND account_id = ? AND user_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var u User
		if err := json.Unmarshal(payload, &u); err != nil {
			db.logger.Warn("skipping corrupt user payload", zap.Error(err))
			continue
		}
		result[u.ID] = &u
	}
	return result, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
