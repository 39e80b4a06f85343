package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS story_sessions (
	chat_id    TEXT PRIMARY KEY,
	ver        INTEGER NOT NULL,
	record     BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLite stores one record per chat in a single story_sessions table. The
// record column is the msgpack-encoded Record; ver is duplicated in its own
// column so mismatched schemas can be skipped without decoding.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the state database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state db path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context, chatID string) (Record, error) {
	var ver int
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ver, record FROM story_sessions WHERE chat_id = ?`, chatID,
	).Scan(&ver, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load state %s: %w", chatID, err)
	}
	if ver != RecordVer {
		return Record{}, ErrNotFound
	}
	return DecodeRecord(blob)
}

func (s *SQLite) Save(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ChatID) == "" {
		return fmt.Errorf("chat id is required")
	}
	rec.Ver = RecordVer
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	blob, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode state %s: %w", rec.ChatID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO story_sessions (chat_id, ver, record, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   ver = excluded.ver,
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		rec.ChatID, rec.Ver, blob, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", rec.ChatID, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM story_sessions WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete state %s: %w", chatID, err)
	}
	return nil
}

// List returns all readable records ordered by chat id. Rows with a stale
// ver or an undecodable blob are skipped, matching Load's absent semantics.
func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ver, record FROM story_sessions ORDER BY chat_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var ver int
		var blob []byte
		if err := rows.Scan(&ver, &blob); err != nil {
			return nil, fmt.Errorf("list state: %w", err)
		}
		if ver != RecordVer {
			continue
		}
		rec, err := DecodeRecord(blob)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Store = (*SQLite)(nil)
