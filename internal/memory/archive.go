package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout keeps a fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotArchived is returned by Archive.Get for unknown session ids.
var ErrNotArchived = errors.New("session not archived")

// SessionRecord is a terminated session as stored in the archive.
type SessionRecord struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Result     string    `json:"result,omitempty"`
	Iterations int       `json:"iterations"`
	Summary    string    `json:"summary,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	TurnCount  int       `json:"turn_count"`
	Turns      []Turn    `json:"turns,omitempty"`
}

// Archive persists terminated sessions and their transcripts in SQLite.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive database at dbPath.
func OpenArchive(dbPath string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		goal        TEXT NOT NULL,
		status      TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		result      TEXT NOT NULL DEFAULT '',
		iterations  INTEGER NOT NULL DEFAULT 0,
		summary     TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		ended_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);

	CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		iteration   INTEGER NOT NULL,
		tool        TEXT NOT NULL,
		arguments   TEXT,
		status      TEXT NOT NULL,
		output      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		artifacts   TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Save writes the session and replaces any turns stored for it before.
func (a *Archive) Save(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return errors.New("session id is required")
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, goal, status, reason, result, iterations, summary, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   goal = excluded.goal, status = excluded.status, reason = excluded.reason,
		   result = excluded.result, iterations = excluded.iterations, summary = excluded.summary,
		   started_at = excluded.started_at, ended_at = excluded.ended_at`,
		rec.ID, rec.Goal, rec.Status, rec.Reason, rec.Result, rec.Iterations, rec.Summary,
		rec.StartedAt.UTC().Format(timeLayout), rec.EndedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}

	for i, turn := range rec.Turns {
		args, err := marshalOptional(turn.Arguments, len(turn.Arguments) == 0)
		if err != nil {
			return fmt.Errorf("marshal arguments: %w", err)
		}
		artifacts, err := marshalOptional(turn.Artifacts, len(turn.Artifacts) == 0)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		id := turn.ID
		if id == "" {
			id = NewID()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO turns (id, session_id, seq, iteration, tool, arguments, status, output, error, artifacts, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.ID, i, turn.Iteration, turn.Tool, args, turn.Status, turn.Output, turn.Error,
			artifacts, turn.Timestamp.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}

func marshalOptional(v any, empty bool) (*string, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// Get loads a session with its turns.
func (a *Archive) Get(ctx context.Context, id string) (*SessionRecord, error) {
	rows, err := a.querySessions(ctx,
		`WHERE s.id = ? GROUP BY s.id`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotArchived, id)
	}
	rec := rows[0]

	turnRows, err := a.db.QueryContext(ctx,
		`SELECT id, iteration, tool, arguments, status, output, error, artifacts, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer turnRows.Close()

	for turnRows.Next() {
		var (
			turn            Turn
			args, artifacts sql.NullString
			createdAt       string
		)
		if err := turnRows.Scan(&turn.ID, &turn.Iteration, &turn.Tool, &args, &turn.Status,
			&turn.Output, &turn.Error, &artifacts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if args.Valid {
			if err := json.Unmarshal([]byte(args.String), &turn.Arguments); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		if artifacts.Valid {
			if err := json.Unmarshal([]byte(artifacts.String), &turn.Artifacts); err != nil {
				return nil, fmt.Errorf("decode artifacts: %w", err)
			}
		}
		turn.Timestamp, _ = time.Parse(timeLayout, createdAt)
		rec.Turns = append(rec.Turns, turn)
	}
	if err := turnRows.Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the most recently started sessions without their turns.
// limit <= 0 returns every session.
func (a *Archive) List(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return a.querySessions(ctx,
		`GROUP BY s.id ORDER BY s.started_at DESC LIMIT ?`, limit)
}

func (a *Archive) querySessions(ctx context.Context, tail string, args ...any) ([]SessionRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT s.id, s.goal, s.status, s.reason, s.result, s.iterations, s.summary, s.started_at, s.ended_at, COUNT(t.id)
		 FROM sessions s LEFT JOIN turns t ON t.session_id = s.id `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec            SessionRecord
			started, ended string
		)
		if err := rows.Scan(&rec.ID, &rec.Goal, &rec.Status, &rec.Reason, &rec.Result, &rec.Iterations,
			&rec.Summary, &started, &ended, &rec.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.StartedAt, _ = time.Parse(timeLayout, started)
		rec.EndedAt, _ = time.Parse(timeLayout, ended)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks that the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
