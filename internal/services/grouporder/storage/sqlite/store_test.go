package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
)

var testNow = time.Date(2026, time.March, 1, 18, 30, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "grouporder.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSession(t *testing.T, id, joinCode, inviteCode, tableID string) domain.Session {
	t.Helper()
	n := 0
	ids := func(prefix string) (string, error) {
		n++
		if prefix == domain.SessionIDPrefix {
			return id, nil
		}
		return fmt.Sprintf("%s_%s_%d", prefix, id, n), nil
	}
	s, err := domain.NewSession(domain.CreateInput{
		RestaurantID: "rest-1",
		TableID:      tableID,
		Host:         domain.Identified("user-"+id, "Host", ""),
		TTL:          time.Hour,
		JoinCode:     joinCode,
		InviteCode:   inviteCode,
	}, testNow, ids)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestCreateGetSessionRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := newSession(t, "ses_1", "ABCDEF", "GHJKLM", "t1")
	if err := store.CreateSession(ctx, session, storage.CreateOptions{}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := store.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != session.ID || got.JoinCode != "ABCDEF" || got.Version != 0 {
		t.Fatalf("session = %+v", got)
	}
	if len(got.Participants) != 1 || got.Participants[0].Identity.UserID != "user-ses_1" {
		t.Fatalf("participants = %+v", got.Participants)
	}
	if !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Fatalf("expires at = %v, want %v", got.ExpiresAt, session.ExpiresAt)
	}

	byJoin, err := store.GetSessionByCode(ctx, " abcdef ")
	if err != nil {
		t.Fatalf("get by join code: %v", err)
	}
	byInvite, err := store.GetSessionByCode(ctx, "ghjklm")
	if err != nil {
		t.Fatalf("get by invite code: %v", err)
	}
	if byJoin.ID != "ses_1" || byInvite.ID != "ses_1" {
		t.Fatalf("code lookups = %s, %s", byJoin.ID, byInvite.ID)
	}

	if _, err := store.GetSession(ctx, "ses_missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing session err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetSessionByCode(ctx, "ZZZZZZ"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing code err = %v, want ErrNotFound", err)
	}
}

func TestCreateSessionRejectsCodeInEitherNamespace(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, newSession(t, "ses_1", "ABCDEF", "GHJKLM", ""), storage.CreateOptions{}); err != nil {
		t.Fatalf("create first: %v", err)
	}

	err := store.CreateSession(ctx, newSession(t, "ses_2", "ABCDEF", "NPQRST", ""), storage.CreateOptions{})
	if !errors.Is(err, storage.ErrCodeTaken) {
		t.Fatalf("same join code err = %v, want ErrCodeTaken", err)
	}
	err = store.CreateSession(ctx, newSession(t, "ses_3", "NPQRST", "ABCDEF", ""), storage.CreateOptions{})
	if !errors.Is(err, storage.ErrCodeTaken) {
		t.Fatalf("join code reused as invite err = %v, want ErrCodeTaken", err)
	}
	if _, err := store.GetSession(ctx, "ses_2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed create left a row behind: %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := newSession(t, "ses_1", "ABCDEF", "GHJKLM", "t1")
	if err := store.CreateSession(ctx, session, storage.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	next, err := domain.SetTip(session, session.CreatedBy, 250, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("set tip: %v", err)
	}
	if err := store.CompareAndSwap(ctx, next, 0); err != nil {
		t.Fatalf("swap: %v", err)
	}

	stale, err := domain.SetTip(session, session.CreatedBy, 500, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("set stale tip: %v", err)
	}
	if err := store.CompareAndSwap(ctx, stale, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("stale swap err = %v, want ErrVersionConflict", err)
	}

	got, err := store.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Totals.Tip != 250 {
		t.Fatalf("stored version %d tip %d, want 1 and 250", got.Version, got.Totals.Tip)
	}

	ghost := next
	ghost.ID = "ses_ghost"
	if err := store.CompareAndSwap(ctx, ghost, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing swap err = %v, want ErrNotFound", err)
	}
}

func TestTerminalSessionReleasesCodes(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	first := newSession(t, "ses_1", "ABCDEF", "GHJKLM", "")
	if err := store.CreateSession(ctx, first, storage.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	expired, err := domain.Expire(first, first.ExpiresAt.Add(time.Second))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := store.CompareAndSwap(ctx, expired, first.Version); err != nil {
		t.Fatalf("swap expired: %v", err)
	}

	// The released code still resolves to the terminal session.
	got, err := store.GetSessionByCode(ctx, "ABCDEF")
	if err != nil {
		t.Fatalf("lookup released code: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	second := newSession(t, "ses_2", "ABCDEF", "NPQRST", "")
	if err := store.CreateSession(ctx, second, storage.CreateOptions{}); err != nil {
		t.Fatalf("recycle code: %v", err)
	}
	got, err = store.GetSessionByCode(ctx, "ABCDEF")
	if err != nil {
		t.Fatalf("lookup recycled code: %v", err)
	}
	if got.ID != "ses_2" {
		t.Fatalf("recycled code resolves to %s, want ses_2", got.ID)
	}
}

func TestExclusiveTable(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	exclusive := storage.CreateOptions{ExclusiveTable: true}
	first := newSession(t, "ses_1", "ABCDEF", "GHJKLM", "t9")
	if err := store.CreateSession(ctx, first, exclusive); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.CreateSession(ctx, newSession(t, "ses_2", "NPQRST", "UVWXYZ", "t9"), exclusive)
	if !errors.Is(err, storage.ErrTableTaken) {
		t.Fatalf("second open session err = %v, want ErrTableTaken", err)
	}
	open, err := store.GetOpenSessionByTable(ctx, "rest-1", "t9")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if open.ID != "ses_1" {
		t.Fatalf("open session = %s, want ses_1", open.ID)
	}

	// Non-exclusive creation ignores the reservation.
	if err := store.CreateSession(ctx, newSession(t, "ses_3", "NPQRST", "UVWXYZ", "t9"), storage.CreateOptions{}); err != nil {
		t.Fatalf("non-exclusive create: %v", err)
	}

	cancelled, err := domain.Cancel(first, first.CreatedBy, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.CompareAndSwap(ctx, cancelled, 0); err != nil {
		t.Fatalf("swap cancelled: %v", err)
	}
	if err := store.CreateSession(ctx, newSession(t, "ses_4", "ABCDE2", "ABCDE3", "t9"), exclusive); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestListExpiredSessions(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	codes := []string{"AAAAAA", "BBBBBB", "CCCCCC", "DDDDDD", "EEEEEE", "FFFFFF"}
	for i := range 3 {
		s := newSession(t, fmt.Sprintf("ses_%d", i), codes[2*i], codes[2*i+1], "")
		s.ExpiresAt = testNow.Add(time.Duration(i) * time.Hour)
		if err := store.CreateSession(ctx, s, storage.CreateOptions{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	expired, err := store.ListExpiredSessions(ctx, testNow.Add(90*time.Minute), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "ses_0" || expired[1].ID != "ses_1" {
		t.Fatalf("expired = %v", sessionIDs(expired))
	}

	atDeadline, err := store.ListExpiredSessions(ctx, testNow.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list at deadline: %v", err)
	}
	if len(atDeadline) != 1 || atDeadline[0].ID != "ses_0" {
		t.Fatalf("at deadline = %v, want [ses_0]", sessionIDs(atDeadline))
	}

	limited, err := store.ListExpiredSessions(ctx, testNow.Add(90*time.Minute), 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d, want 1", len(limited))
	}
	if _, err := store.ListExpiredSessions(ctx, testNow, 0); err == nil {
		t.Fatal("expected limit error")
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.GetSession(ctx, "ses_1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func sessionIDs(sessions []domain.Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}
