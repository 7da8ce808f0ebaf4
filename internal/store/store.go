package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexiqai/meeting-recorder/internal/stt"
)

// ErrNotFound is returned when a session id is unknown
var ErrNotFound = errors.New("store: session not found")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		conversationType TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		startedAt REAL NOT NULL,
		endedAt REAL,
		durationSeconds REAL NOT NULL DEFAULT 0,
		meWords INTEGER NOT NULL DEFAULT 0,
		themWords INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		createdAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS segments (
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequenceNumber INTEGER NOT NULL,
		text TEXT NOT NULL,
		speaker TEXT NOT NULL,
		confidence REAL,
		spokenAt REAL NOT NULL,
		createdAt REAL NOT NULL,
		PRIMARY KEY (sessionId, sequenceNumber)
	);
`

// SQLiteStore is the session-persistence collaborator
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path with WAL enabled
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping is used by the readiness check
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MarkActive creates the session or moves an existing one back to active
func (s *SQLiteStore) MarkActive(ctx context.Context, id, conversationType, title string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, conversationType, title, status, startedAt, createdAt)
		VALUES (?, ?, ?, 'active', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = 'active',
			conversationType = excluded.conversationType,
			title = excluded.title
	`, id, conversationType, title, unixFromTime(startedAt), unixFromTime(s.now()))
	if err != nil {
		return fmt.Errorf("mark session active: %w", err)
	}
	return nil
}

// AppendSegments stores segs with sequence numbers starting at from. Rows
// already present are left untouched so a retried save is harmless.
func (s *SQLiteStore) AppendSegments(ctx context.Context, id string, from int, segs []stt.TranscriptSegment) error {
	if len(segs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO segments (sessionId, sequenceNumber, text, speaker, confidence, spokenAt, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	created := unixFromTime(s.now())
	for i, seg := range segs {
		spoken := seg.Timestamp
		if spoken.IsZero() {
			spoken = s.now()
		}
		if _, err := stmt.ExecContext(ctx, id, from+i, seg.Text, string(seg.Speaker),
			seg.Confidence, unixFromTime(spoken), created); err != nil {
			return fmt.Errorf("insert segment %d: %w", from+i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Finalize marks the session completed with its totals
func (s *SQLiteStore) Finalize(ctx context.Context, id string, rec FinalizeRecord) error {
	endedAt := rec.EndedAt
	if endedAt.IsZero() {
		endedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'completed', endedAt = ?, durationSeconds = ?, meWords = ?, themWords = ?, summary = ?
		WHERE id = ?
	`, unixFromTime(endedAt), rec.Duration.Seconds(), rec.MeWords, rec.ThemWords, rec.Summary, id)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns one session by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversationType, title, status, startedAt, endedAt, durationSeconds,
			meWords, themWords, summary, createdAt
		FROM sessions
		WHERE id = ?
	`, id)

	var sess Session
	var startedAt, createdAt, duration float64
	var endedAt sql.NullFloat64
	var summary sql.NullString

	if err := row.Scan(&sess.ID, &sess.ConversationType, &sess.Title, &sess.Status,
		&startedAt, &endedAt, &duration, &sess.MeWords, &sess.ThemWords, &summary, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.StartedAt = timeFromUnix(startedAt)
	sess.CreatedAt = timeFromUnix(createdAt)
	sess.Duration = time.Duration(duration * float64(time.Second))
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndedAt = &t
	}
	if summary.Valid {
		sess.Summary = summary.String
	}

	return &sess, nil
}

// Segments returns a session's segments in sequence order
func (s *SQLiteStore) Segments(ctx context.Context, id string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, sequenceNumber, text, speaker, confidence, spokenAt, createdAt
		FROM segments
		WHERE sessionId = ?
		ORDER BY sequenceNumber ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var confidence sql.NullFloat64
		var spokenAt, createdAt float64
		if err := rows.Scan(&seg.SessionID, &seg.SequenceNumber, &seg.Text, &seg.Speaker,
			&confidence, &spokenAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Confidence = confidence.Float64
		seg.SpokenAt = timeFromUnix(spokenAt)
		seg.CreatedAt = timeFromUnix(createdAt)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
