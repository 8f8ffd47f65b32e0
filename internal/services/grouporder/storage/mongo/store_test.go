package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
)

var testNow = time.Date(2026, time.March, 1, 18, 30, 0, 0, time.UTC)

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
		Host:         domain.Anonymous("dev-"+id, "Host", ""),
		TTL:          time.Hour,
		JoinCode:     joinCode,
		InviteCode:   inviteCode,
	}, testNow, ids)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestToDocumentReservesCodesWhileOpen(t *testing.T) {
	s := newSession(t, "ses_1", "abcdef", "GHJKLM", "t1")
	doc := toDocument(s, true)
	if len(doc.ActiveCodes) != 2 || doc.ActiveCodes[0] != "ABCDEF" {
		t.Fatalf("active codes = %v", doc.ActiveCodes)
	}
	if doc.OpenTable != "rest-1/t1" {
		t.Fatalf("open table = %q", doc.OpenTable)
	}

	s.Status = domain.StatusCancelled
	closed := toDocument(s, true)
	if closed.ActiveCodes != nil || closed.OpenTable != "" {
		t.Fatalf("closed session still reserves: %+v", closed)
	}
	if len(closed.Codes) != 2 {
		t.Fatalf("codes = %v, want both kept for lookup", closed.Codes)
	}
	if toDocument(newSession(t, "ses_2", "NPQRST", "UVWXYZ", "t1"), false).OpenTable != "" {
		t.Fatal("non-exclusive session should not reserve its table")
	}
}

func TestOpenRequiresConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected missing uri error")
	}
	if _, err := Open(context.Background(), Config{URI: "mongodb://localhost"}); err == nil {
		t.Fatal("expected missing database error")
	}
}

// Runs against a real server when GROUPORDER_TEST_MONGO_URI is set.
func TestStoreAgainstServer(t *testing.T) {
	uri := os.Getenv("GROUPORDER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("GROUPORDER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, Config{URI: uri, Database: fmt.Sprintf("grouporder_test_%d", time.Now().UnixNano()), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.collection.Database().Drop(context.Background())
		_ = store.Close()
	})

	first := newSession(t, "ses_1", "ABCDEF", "GHJKLM", "t1")
	if err := store.CreateSession(ctx, first, storage.CreateOptions{ExclusiveTable: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateSession(ctx, newSession(t, "ses_2", "NPQRST", "ABCDEF", ""), storage.CreateOptions{}); !errors.Is(err, storage.ErrCodeTaken) {
		t.Fatalf("duplicate code err = %v, want ErrCodeTaken", err)
	}
	if err := store.CreateSession(ctx, newSession(t, "ses_3", "NPQRST", "UVWXYZ", "t1"), storage.CreateOptions{ExclusiveTable: true}); !errors.Is(err, storage.ErrTableTaken) {
		t.Fatalf("duplicate table err = %v, want ErrTableTaken", err)
	}

	next, err := domain.SetTip(first, first.CreatedBy, 100, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("set tip: %v", err)
	}
	if err := store.CompareAndSwap(ctx, next, 0); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := store.CompareAndSwap(ctx, next, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("stale swap err = %v, want ErrVersionConflict", err)
	}

	expired, err := domain.Expire(next, next.ExpiresAt.Add(time.Second))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := store.CompareAndSwap(ctx, expired, next.Version); err != nil {
		t.Fatalf("swap expired: %v", err)
	}
	if err := store.CreateSession(ctx, newSession(t, "ses_4", "ABCDEF", "UVWXYZ", "t1"), storage.CreateOptions{ExclusiveTable: true}); err != nil {
		t.Fatalf("recycle code and table: %v", err)
	}
	got, err := store.GetSessionByCode(ctx, "abcdef")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != "ses_4" {
		t.Fatalf("code resolves to %s, want ses_4", got.ID)
	}
}
