package chatlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_message (
	id           TEXT    PRIMARY KEY,
	session_id   TEXT    NOT NULL,
	sort_key     INTEGER NOT NULL,
	kind         TEXT    NOT NULL,
	content      TEXT    NOT NULL DEFAULT '',
	data         TEXT,
	url          TEXT    NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	completed_at INTEGER,
	UNIQUE (session_id, sort_key)
);
CREATE INDEX IF NOT EXISTS idx_chat_message_session ON chat_message(session_id, sort_key);
`

// SQLiteBackend implements StorageBackend on an embedded SQLite database.
// Sort keys are allocated inside the insert transaction, so the table itself
// is the ordering authority. Subscriptions are in-process only.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writers; SQLite allows one at a time
	subs   *broadcaster
	closed bool
	now    func() time.Time
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteBackend{
		db:   db,
		subs: newBroadcaster(),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create appends a message to a session.
func (s *SQLiteBackend) Create(ctx context.Context, sessionID string, msg NewMessage) (string, error) {
	if err := validateNew(msg); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStorageClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_key), 0) + 1 FROM chat_message WHERE session_id = ?`,
		sessionID).Scan(&seq); err != nil {
		return "", fmt.Errorf("allocate sort key: %w", err)
	}

	m := newStoredMessage(uuid.New().String(), seq, msg, s.now())
	data, err := encodeData(m.Data)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_message (id, session_id, sort_key, kind, content, data, url, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, m.SortKey, string(m.Kind), m.Content, data, m.URL,
		m.CreatedAt.UnixNano(), nullableTime(m.CompletedAt)); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.publishLocked(ctx, sessionID)
	return m.ID, nil
}

// Update applies a patch to an existing message.
func (s *SQLiteBackend) Update(ctx context.Context, sessionID, messageID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, sort_key, kind, content, data, url, created_at, completed_at
		 FROM chat_message WHERE session_id = ? AND id = ?`, sessionID, messageID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		return err
	}
	if err := applyPatch(m, patch, s.now()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_message SET content = ?, completed_at = ? WHERE session_id = ? AND id = ?`,
		m.Content, nullableTime(m.CompletedAt), sessionID, messageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.publishLocked(ctx, sessionID)
	return nil
}

// List returns all messages for a session ordered by SortKey.
func (s *SQLiteBackend) List(ctx context.Context, sessionID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	return s.listLocked(ctx, sessionID)
}

// Subscribe registers fn for every change made through this backend.
func (s *SQLiteBackend) Subscribe(ctx context.Context, sessionID string, fn SubscribeFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	initial, err := s.listLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.subs.add(sessionID, fn, initial), nil
}

// Ping checks the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStorageClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subs.closeAll()
	return s.db.Close()
}

func (s *SQLiteBackend) listLocked(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sort_key, kind, content, data, url, created_at, completed_at
		 FROM chat_message WHERE session_id = ? ORDER BY sort_key ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// publishLocked re-reads the log after a committed write. A failed read only
// delays subscribers until the next write.
func (s *SQLiteBackend) publishLocked(ctx context.Context, sessionID string) {
	if !s.subs.hasSubscribers(sessionID) {
		return
	}
	msgs, err := s.listLocked(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return
	}
	s.subs.publish(sessionID, msgs)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		kind      string
		data      sql.NullString
		created   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.SortKey, &kind, &m.Content, &data, &m.URL, &created, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Kind = Kind(kind)
	m.CreatedAt = time.Unix(0, created).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		m.CompletedAt = &t
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &m.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return &m, nil
}

func encodeData(data any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal data: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
