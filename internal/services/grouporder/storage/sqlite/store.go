// Package sqlite provides the SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/grouporder/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const (
	codeKindJoin   = "join"
	codeKindInvite = "invite"
)

// Store persists session aggregates in SQLite as JSON documents with the
// columns needed for lookups and uniqueness indexed alongside.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateSession inserts the session row and reserves both codes in one transaction.
func (s *Store) CreateSession(ctx context.Context, session domain.Session, opts storage.CreateOptions) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	var tableKey sql.NullString
	if opts.ExclusiveTable {
		if key := storage.TableKey(session.RestaurantID, session.TableID); key != "" {
			tableKey = sql.NullString{String: key, Valid: true}
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, restaurant_id, table_id, table_key, status, version, expires_at, created_at, updated_at, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.RestaurantID,
		session.TableID,
		tableKey,
		string(session.Status),
		session.Version,
		toMillis(session.ExpiresAt),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
		string(doc),
	); err != nil {
		return classifyInsertError("insert session", err)
	}
	active := 0
	if session.Status.HoldsCodes() {
		active = 1
	}
	for _, code := range []struct{ kind, value string }{
		{codeKindJoin, session.JoinCode},
		{codeKindInvite, session.InviteCode},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_codes (session_id, kind, code, active, created_at) VALUES (?, ?, ?, ?, ?)`,
			session.ID, code.kind, domain.NormalizeCode(code.value), active, toMillis(session.CreatedAt),
		); err != nil {
			return classifyInsertError("reserve "+code.kind+" code", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, strings.TrimSpace(sessionID))
	return scanSession(row)
}

// GetSessionByCode resolves a join or invite code. Reserved codes win over
// released ones; among released codes the newest session wins.
func (s *Store) GetSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT s.document
		   FROM session_codes c
		   JOIN sessions s ON s.id = c.session_id
		  WHERE c.code = ?
		  ORDER BY c.active DESC, c.created_at DESC
		  LIMIT 1`,
		domain.NormalizeCode(code),
	)
	return scanSession(row)
}

// GetOpenSessionByTable returns the open session holding a table reservation.
func (s *Store) GetOpenSessionByTable(ctx context.Context, restaurantID, tableID string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	key := storage.TableKey(restaurantID, tableID)
	if key == "" {
		return domain.Session{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT document FROM sessions WHERE table_key = ? AND status IN ('active', 'submitted') LIMIT 1`,
		key,
	)
	return scanSession(row)
}

// CompareAndSwap writes next when the stored version equals expectedVersion.
func (s *Store) CompareAndSwap(ctx context.Context, next domain.Session, expectedVersion int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions
		    SET status = ?, version = ?, expires_at = ?, updated_at = ?, document = ?
		  WHERE id = ? AND version = ?`,
		string(next.Status),
		next.Version,
		toMillis(next.ExpiresAt),
		toMillis(next.UpdatedAt),
		string(doc),
		next.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if affected == 0 {
		var found int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, next.ID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		return storage.ErrVersionConflict
	}
	if !next.Status.HoldsCodes() {
		if _, err := tx.ExecContext(ctx, `UPDATE session_codes SET active = 0 WHERE session_id = ?`, next.ID); err != nil {
			return fmt.Errorf("release session codes: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap session: %w", err)
	}
	return nil
}

// ListExpiredSessions returns active sessions past their deadline.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT document FROM sessions
		  WHERE status = 'active' AND expires_at < ?
		  ORDER BY expires_at, id
		  LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func classifyInsertError(op string, err error) error {
	if !isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	message := err.Error()
	switch {
	case strings.Contains(message, "session_codes.code"):
		return storage.ErrCodeTaken
	case strings.Contains(message, "sessions.table_key"):
		return storage.ErrTableTaken
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
