package domain

import (
	"fmt"
	"testing"
	"time"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sequentialIDs() IDFunc {
	n := 0
	return func(prefix string) (string, error) {
		n++
		return fmt.Sprintf("%s_%d", prefix, n), nil
	}
}

type fixture struct {
	t      *testing.T
	ids    IDFunc
	now    time.Time
	s      Session
	hostID string
}

func newFixture(t *testing.T, pricing Pricing, tableID string) *fixture {
	t.Helper()
	ids := sequentialIDs()
	s, err := NewSession(CreateInput{
		RestaurantID: "rest-1",
		TableID:      tableID,
		Host:         Identified("user-host", "Host", ""),
		Pricing:      pricing,
		TTL:          time.Hour,
		JoinCode:     "ABCDEF",
		InviteCode:   "GHJKLM",
	}, testNow, ids)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return &fixture{t: t, ids: ids, now: testNow, s: s, hostID: s.CreatedBy}
}

func (f *fixture) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fixture) join(name string) Participant {
	f.t.Helper()
	next, p, err := AddParticipant(f.s, Anonymous("dev-"+name, name, ""), f.tick(), f.ids)
	if err != nil {
		f.t.Fatalf("join %s: %v", name, err)
	}
	f.s = next
	return p
}

func (f *fixture) addItem(by string, price Money, qty int) CartItem {
	f.t.Helper()
	next, item, err := AddItem(f.s, AddItemInput{MenuItemID: "menu-1", Name: "Dish", Price: price, Quantity: qty, AddedBy: by}, f.tick(), f.ids)
	if err != nil {
		f.t.Fatalf("add item: %v", err)
	}
	f.s = next
	return item
}

func assertCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := apperrors.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (%v)", got, code, err)
	}
}

func assertSplitBalances(t *testing.T, s Session) {
	t.Helper()
	if !s.Totals.Reconciles() {
		t.Fatalf("totals do not reconcile: %+v", s.Totals)
	}
	if s.PaymentSplit.Reconciled && s.PaymentSplit.Sum() != s.Totals.Total {
		t.Fatalf("split sum = %d, want %d", s.PaymentSplit.Sum(), s.Totals.Total)
	}
}
