package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// MessageWritten is the payload of docstore.message events.
type MessageWritten struct {
	ConversationID string
	MessageID      string
}

const messageColumns = `conversation_id, id, sender_id, text, media_ref, timestamp`

// WriteMessage persists a message with a server-assigned id and timestamp.
// A repeated ClientID returns the message stored the first time.
func (db *DB) WriteMessage(ctx context.Context, conversationID string, req remote.WriteRequest) (timeline.Message, error) {
	if req.Text == "" && req.MediaRef == "" {
		return timeline.Message{}, fmt.Errorf("empty message: %w", remote.ErrMalformed)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return timeline.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := access(ctx, tx, conversationID, req.SenderID); err != nil {
		return timeline.Message{}, err
	}
	if req.ClientID != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_id = ?`,
			conversationID, req.ClientID)
		m, err := scanMessage(row)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return timeline.Message{}, err
		}
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_message_at FROM conversations WHERE id = ?`, conversationID).Scan(&last); err != nil {
		return timeline.Message{}, err
	}
	ts := max(db.Now(), last+1)
	m := timeline.Message{
		ID:             db.newID(ts),
		ConversationID: conversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		MediaRef:       req.MediaRef,
		Timestamp:      ts,
	}

	var clientID sql.NullString
	if req.ClientID != "" {
		clientID = sql.NullString{String: req.ClientID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, client_id, sender_id, text, media_ref, timestamp, client_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.ID, clientID, m.SenderID, m.Text, m.MediaRef, m.Timestamp, req.ClientTimestamp); err != nil {
		return timeline.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, last_message_at = ? WHERE id = ?`,
		m.ID, m.Timestamp, conversationID); err != nil {
		return timeline.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return timeline.Message{}, err
	}

	db.bus.Emit(bus.KindStoreMessage, MessageWritten{ConversationID: conversationID, MessageID: m.ID})
	return m, nil
}

// LatestMessages returns the newest limit messages, oldest first.
func (db *DB) LatestMessages(ctx context.Context, conversationID string, limit int) ([]timeline.Message, error) {
	if err := db.Access(ctx, conversationID, ""); err != nil {
		return nil, err
	}
	msgs, err := db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// OlderMessages returns up to limit messages strictly before the cursor,
// oldest first. A zero cursor starts from the newest message.
func (db *DB) OlderMessages(ctx context.Context, conversationID string, before remote.Cursor, limit int) ([]timeline.Message, error) {
	if before.IsZero() {
		return db.LatestMessages(ctx, conversationID, limit)
	}
	if err := db.Access(ctx, conversationID, ""); err != nil {
		return nil, err
	}
	msgs, err := db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND (timestamp < ? OR (timestamp = ? AND id < ?))
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, before.Timestamp, before.Timestamp, before.ID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// MessagesAfter returns up to limit messages with a timestamp strictly
// greater than after, oldest first.
func (db *DB) MessagesAfter(ctx context.Context, conversationID string, after int64, limit int) ([]timeline.Message, error) {
	if err := db.Access(ctx, conversationID, ""); err != nil {
		return nil, err
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND timestamp > ?
		ORDER BY timestamp, id
		LIMIT ?`, conversationID, after, limit)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]timeline.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []timeline.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (timeline.Message, error) {
	var m timeline.Message
	err := s.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Text, &m.MediaRef, &m.Timestamp)
	return m, err
}
