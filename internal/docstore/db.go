// Package docstore is the reference document store behind chatsyncd: SQLite
// tables for conversations, members, messages, read cursors and media, plus
// a change feed on the bus.
package docstore

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// DB wraps the SQLite database of a chatsyncd profile.
type DB struct {
	*sql.DB
	bus *bus.Bus

	// writeMu serializes message writes so timestamps stay strictly
	// increasing per conversation.
	writeMu sync.Mutex
	entropy *ulid.MonotonicEntropy

	// Now returns the authoritative write time in unix milliseconds.
	Now func() int64
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Changes are published on b, which may be nil.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{
		DB:      db,
		bus:     b,
		entropy: ulid.Monotonic(rand.Reader, 0),
		Now:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// newID returns a ULID stamped with ts. Callers hold writeMu.
func (db *DB) newID(ts int64) string {
	return ulid.MustNew(uint64(ts), db.entropy).String()
}
