package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// PutMedia stores an upload and returns its reference.
func (db *DB) PutMedia(ctx context.Context, conversationID string, media timeline.Media) (string, error) {
	if len(media.Data) == 0 {
		return "", fmt.Errorf("empty media: %w", remote.ErrMalformed)
	}
	if err := db.Access(ctx, conversationID, ""); err != nil {
		return "", err
	}
	db.writeMu.Lock()
	now := db.Now()
	ref := "media/" + conversationID + "/" + db.newID(now)
	db.writeMu.Unlock()

	if _, err := db.ExecContext(ctx, `
		INSERT INTO media (ref, conversation_id, name, content_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ref, conversationID, media.Name, media.ContentType, media.Data, now); err != nil {
		return "", fmt.Errorf("insert media: %w", err)
	}
	return ref, nil
}

// Media returns a stored upload.
func (db *DB) Media(ctx context.Context, ref string) (timeline.Media, error) {
	var m timeline.Media
	err := db.QueryRowContext(ctx,
		`SELECT name, content_type, data FROM media WHERE ref = ?`, ref).Scan(&m.Name, &m.ContentType, &m.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("media %s: %w", ref, remote.ErrNotFound)
	}
	return m, err
}
