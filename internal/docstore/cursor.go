package docstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matheus3301/chatsync/internal/remote"
)

// ReadCursor returns the user's read cursor, or nil if none was written.
func (db *DB) ReadCursor(ctx context.Context, conversationID, userID string) (*remote.ReadCursor, error) {
	if err := db.Access(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	var rc remote.ReadCursor
	err := db.QueryRowContext(ctx,
		`SELECT message_id, timestamp FROM read_cursors WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&rc.MessageID, &rc.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// WriteReadCursor stores the user's read cursor. Last write wins.
func (db *DB) WriteReadCursor(ctx context.Context, conversationID, userID string, rc remote.ReadCursor) error {
	if err := db.Access(ctx, conversationID, userID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO read_cursors (conversation_id, user_id, message_id, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			message_id = excluded.message_id,
			timestamp = excluded.timestamp,
			updated_at = excluded.updated_at`,
		conversationID, userID, rc.MessageID, rc.Timestamp, db.Now())
	return err
}

// ReadCursors returns every member with their cursor, sorted by user.
func (db *DB) ReadCursors(ctx context.Context, conversationID string) ([]remote.MemberCursor, error) {
	if err := db.Access(ctx, conversationID, ""); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT m.user_id, r.message_id, r.timestamp
		FROM members m
		LEFT JOIN read_cursors r ON r.conversation_id = m.conversation_id AND r.user_id = m.user_id
		WHERE m.conversation_id = ?
		ORDER BY m.user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []remote.MemberCursor
	for rows.Next() {
		var (
			mc remote.MemberCursor
			id sql.NullString
			ts sql.NullInt64
		)
		if err := rows.Scan(&mc.UserID, &id, &ts); err != nil {
			return nil, err
		}
		if id.Valid {
			mc.Cursor = &remote.ReadCursor{MessageID: id.String, Timestamp: ts.Int64}
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}
