// Package storage defines the persistence contract for group order sessions.
//
// Stores are the compare-and-swap boundary: every accepted write goes through
// CompareAndSwap, which succeeds only when the stored version still matches.
// Join and invite codes share one namespace and stay reserved while the
// session holds them (active or submitted).
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

var (
	// ErrNotFound indicates a requested session is missing.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict indicates the stored version moved past the expected one.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrCodeTaken indicates a join or invite code is held by another open session.
	ErrCodeTaken = errors.New("session code already in use")
	// ErrTableTaken indicates the table already has an open session.
	ErrTableTaken = errors.New("table already has an open session")
)

// CreateOptions tunes session insertion.
type CreateOptions struct {
	// ExclusiveTable reserves the restaurant table so that no other open
	// session can be created for it.
	ExclusiveTable bool
}

// SessionStore persists session aggregates.
type SessionStore interface {
	// CreateSession inserts s and reserves its codes atomically.
	CreateSession(ctx context.Context, s domain.Session, opts CreateOptions) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	// GetSessionByCode resolves a join or invite code to the newest session
	// that used it, including terminal sessions.
	GetSessionByCode(ctx context.Context, code string) (domain.Session, error)
	// GetOpenSessionByTable returns the open session reserving a table.
	GetOpenSessionByTable(ctx context.Context, restaurantID, tableID string) (domain.Session, error)
	// CompareAndSwap replaces the stored session when its version equals
	// expectedVersion. Codes and table reservations are released in the same
	// step when next no longer holds them.
	CompareAndSwap(ctx context.Context, next domain.Session, expectedVersion int64) error
	// ListExpiredSessions returns active sessions whose deadline is before now,
	// oldest deadline first.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
	Close() error
}

// TableKey is the reservation key for one restaurant table.
func TableKey(restaurantID, tableID string) string {
	restaurantID = strings.TrimSpace(restaurantID)
	tableID = strings.TrimSpace(tableID)
	if restaurantID == "" || tableID == "" {
		return ""
	}
	return restaurantID + "/" + tableID
}
