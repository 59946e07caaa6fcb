package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("store: not found")

// DB wraps the sqlite session ledger.
type DB struct {
	*sql.DB
}

// Open opens the ledger at path and runs migrations. ":memory:" is allowed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			conn_id TEXT PRIMARY KEY,
			transport TEXT NOT NULL,
			remote_addr TEXT NOT NULL,
			session_id TEXT,
			handshake_rtt_us INTEGER,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			close_reason TEXT
		);
		CREATE TABLE IF NOT EXISTS rtt_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id TEXT NOT NULL REFERENCES sessions(conn_id),
			kind TEXT NOT NULL,
			rtt_us INTEGER NOT NULL,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rtt_conn ON rtt_samples(conn_id, id);
		CREATE INDEX IF NOT EXISTS idx_sessions_opened ON sessions(opened_at);
	`)
	return err
}

// SessionRecord is one connection's row in the ledger.
type SessionRecord struct {
	ConnID       string         `json:"conn_id"`
	Transport    string         `json:"transport"`
	RemoteAddr   string         `json:"remote_addr"`
	SessionID    string         `json:"session_id,omitempty"`
	HandshakeRTT *time.Duration `json:"handshake_rtt,omitempty"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	CloseReason  string         `json:"close_reason,omitempty"`
}

// RTTSample is one measured round trip.
type RTTSample struct {
	ConnID string        `json:"conn_id"`
	Kind   string        `json:"kind"`
	RTT    time.Duration `json:"rtt"`
	At     time.Time     `json:"at"`
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// OpenSession inserts a ledger row for a newly accepted connection.
func (db *DB) OpenSession(ctx context.Context, connID, transport, remoteAddr string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO sessions (conn_id, transport, remote_addr, opened_at) VALUES (?, ?, ?, ?)",
		connID, transport, remoteAddr, formatTime(at))
	return err
}

// RecordHandshake stores the negotiated session id and handshake RTT.
func (db *DB) RecordHandshake(ctx context.Context, connID, sessionID string, rtt time.Duration, at time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE sessions SET session_id = ?, handshake_rtt_us = ? WHERE conn_id = ?",
		sessionID, rtt.Microseconds(), connID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return db.RecordRTT(ctx, connID, "handshake", rtt, at)
}

func (db *DB) RecordRTT(ctx context.Context, connID, kind string, rtt time.Duration, at time.Time) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO rtt_samples (conn_id, kind, rtt_us, at) VALUES (?, ?, ?, ?)",
		connID, kind, rtt.Microseconds(), formatTime(at))
	return err
}

// CloseSession marks a connection closed; reason is empty for a clean close.
func (db *DB) CloseSession(ctx context.Context, connID, reason string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE sessions SET closed_at = ?, close_reason = ? WHERE conn_id = ? AND closed_at IS NULL",
		formatTime(at), reason, connID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListSessions returns the most recently opened sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT conn_id, transport, remote_addr, session_id, handshake_rtt_us, opened_at, closed_at, close_reason
		FROM sessions ORDER BY opened_at DESC, conn_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var sid, closedAt, reason sql.NullString
		var rttUS sql.NullInt64
		var openedAt string
		if err := rows.Scan(&r.ConnID, &r.Transport, &r.RemoteAddr, &sid, &rttUS, &openedAt, &closedAt, &reason); err != nil {
			return nil, err
		}
		r.SessionID = sid.String
		r.CloseReason = reason.String
		r.OpenedAt = parseTime(openedAt)
		if rttUS.Valid {
			d := time.Duration(rttUS.Int64) * time.Microsecond
			r.HandshakeRTT = &d
		}
		if closedAt.Valid {
			t := parseTime(closedAt.String)
			r.ClosedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RTTSamples returns up to limit samples for connID, newest first.
func (db *DB) RTTSamples(ctx context.Context, connID string, limit int) ([]RTTSample, error) {
	if limit <= 0 {
		limit = 100
	}
	var exists int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE conn_id = ?", connID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT kind, rtt_us, at FROM rtt_samples WHERE conn_id = ? ORDER BY id DESC LIMIT ?", connID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RTTSample{}
	for rows.Next() {
		s := RTTSample{ConnID: connID}
		var us int64
		var at string
		if err := rows.Scan(&s.Kind, &us, &at); err != nil {
			return nil, err
		}
		s.RTT = time.Duration(us) * time.Microsecond
		s.At = parseTime(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
