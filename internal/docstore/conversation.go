package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
)

// MembershipChanged is the payload of docstore.membership events.
type MembershipChanged struct {
	UserIDs []string
}

// CreateConversation inserts a conversation with its member set.
func (db *DB) CreateConversation(ctx context.Context, id, title string, members []string) error {
	if id == "" {
		return fmt.Errorf("conversation id: %w", remote.ErrMalformed)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		id, title, db.Now()); err != nil {
		return fmt.Errorf("insert conversation %s: %w", id, err)
	}
	if err := insertMembers(ctx, tx, id, members); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.membershipChanged(members)
	return nil
}

// SetMembers replaces the member set of a conversation.
func (db *DB) SetMembers(ctx context.Context, id string, members []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := conversationExists(ctx, tx, id); err != nil {
		return err
	}
	old, err := queryMembers(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if err := insertMembers(ctx, tx, id, members); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.membershipChanged(append(old, members...))
	return nil
}

// DeleteConversation removes a conversation and everything in it.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	members, err := db.Members(ctx, id)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	db.bus.Emit(bus.KindStoreMessage, MessageWritten{ConversationID: id})
	db.membershipChanged(members)
	return nil
}

// Members returns the member set of a conversation, sorted.
func (db *DB) Members(ctx context.Context, id string) ([]string, error) {
	if err := conversationExists(ctx, db, id); err != nil {
		return nil, err
	}
	return queryMembers(ctx, db, id)
}

// Conversations lists the conversations userID belongs to with their
// newest message.
func (db *DB) Conversations(ctx context.Context, userID string) ([]remote.ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.title, c.last_message_id, c.last_message_at
		FROM conversations c
		JOIN members m ON m.conversation_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []remote.ConversationSummary
	for rows.Next() {
		var s remote.ConversationSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.LastMessageID, &s.LastMessageAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Access checks that the conversation exists and, when userID is set, that
// the user is a member.
func (db *DB) Access(ctx context.Context, conversationID, userID string) error {
	return access(ctx, db, conversationID, userID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func access(ctx context.Context, q querier, conversationID, userID string) error {
	if err := conversationExists(ctx, q, conversationID); err != nil {
		return err
	}
	if userID == "" {
		return nil
	}
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s in %s: %w", userID, conversationID, remote.ErrForbidden)
	}
	return err
}

func conversationExists(ctx context.Context, q querier, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", id, remote.ErrNotFound)
	}
	return err
}

func queryMembers(ctx context.Context, q querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM members WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func insertMembers(ctx context.Context, tx *sql.Tx, id string, members []string) error {
	for _, u := range members {
		if u == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO members (conversation_id, user_id) VALUES (?, ?)`, id, u); err != nil {
			return fmt.Errorf("insert member %s: %w", u, err)
		}
	}
	return nil
}

func (db *DB) membershipChanged(users []string) {
	users = slices.Clone(users)
	slices.Sort(users)
	users = slices.Compact(users)
	db.bus.Emit(bus.KindStoreMembership, MembershipChanged{UserIDs: users})
}
