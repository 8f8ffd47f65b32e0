package app

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

// cyclingReader repeats pattern forever.
type cyclingReader struct {
	pattern []byte
	pos     int
}

func (r *cyclingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.pattern[r.pos%len(r.pattern)]
		r.pos++
	}
	return len(p), nil
}

func withCodes(r io.Reader) harnessOption {
	return func(_ *Config, deps *Deps) { deps.Codes = r }
}

func TestNewServiceRequiresStoreAndTTL(t *testing.T) {
	if _, err := NewService(Config{SessionTTL: time.Hour}, Deps{}); err == nil {
		t.Fatal("expected error without store")
	}
	h := newHarness(t)
	if _, err := NewService(Config{}, Deps{Store: h.store}); err == nil {
		t.Fatal("expected error without session ttl")
	}
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{TableID: "t-4"})

	if sess.Status != domain.StatusActive {
		t.Fatalf("status = %s, want %s", sess.Status, domain.StatusActive)
	}
	if sess.Version != 0 {
		t.Fatalf("version = %d, want 0", sess.Version)
	}
	if len(sess.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(sess.Participants))
	}
	if sess.CreatedBy != sess.Participants[0].ID {
		t.Fatalf("created_by = %q, want host %q", sess.CreatedBy, sess.Participants[0].ID)
	}
	if !domain.ValidCode(sess.JoinCode) || !domain.ValidCode(sess.InviteCode) {
		t.Fatalf("codes = %q/%q, want valid codes", sess.JoinCode, sess.InviteCode)
	}
	if sess.JoinCode == sess.InviteCode {
		t.Fatalf("join and invite codes must differ, got %q", sess.JoinCode)
	}
	if want := testStart.Add(time.Hour); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", sess.ExpiresAt, want)
	}

	stored, err := h.svc.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.JoinCode != sess.JoinCode {
		t.Fatalf("stored join code = %q, want %q", stored.JoinCode, sess.JoinCode)
	}
	if got := h.notifier.types(); len(got) != 1 || got[0] != domain.EventSessionCreated {
		t.Fatalf("events = %v, want [%s]", got, domain.EventSessionCreated)
	}
}

func TestCreateRequiresCaller(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateRequest{RestaurantID: "rest-1", Name: "Host"})
	assertCode(t, err, apperrors.CodeUnauthenticated)
}

func TestCreateIssuesDistinctCodes(t *testing.T) {
	h := newHarness(t)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		sess := h.create(t, CreateRequest{})
		for _, code := range []string{sess.JoinCode, sess.InviteCode} {
			if seen[code] {
				t.Fatalf("code %q issued twice", code)
			}
			seen[code] = true
		}
	}
}

func TestCreateCodeExhausted(t *testing.T) {
	pattern := append(bytes.Repeat([]byte{0}, domain.CodeLength), bytes.Repeat([]byte{1}, domain.CodeLength)...)
	h := newHarness(t, withCodes(&cyclingReader{pattern: pattern}))

	first := h.create(t, CreateRequest{})
	if first.JoinCode != "AAAAAA" || first.InviteCode != "BBBBBB" {
		t.Fatalf("codes = %q/%q, want AAAAAA/BBBBBB", first.JoinCode, first.InviteCode)
	}
	_, err := h.svc.Create(asDevice("dev-other"), CreateRequest{RestaurantID: "rest-1", Name: "Other"})
	assertCode(t, err, apperrors.CodeCodeExhausted)
}

func TestCreateRejectsEqualJoinAndInviteCodes(t *testing.T) {
	h := newHarness(t, withCodes(&cyclingReader{pattern: []byte{0}}))
	_, err := h.svc.Create(asDevice("dev-host"), CreateRequest{RestaurantID: "rest-1", Name: "Host"})
	assertCode(t, err, apperrors.CodeCodeExhausted)
}

func TestCreateOneSessionPerTable(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.OneSessionPerTable = true })
	first := h.create(t, CreateRequest{TableID: "t-1"})

	_, err := h.svc.Create(asDevice("dev-2"), CreateRequest{RestaurantID: "rest-1", TableID: "t-1", Name: "Second"})
	assertCode(t, err, apperrors.CodeActiveSessionExists)

	other := h.create(t, CreateRequest{TableID: "t-2"})
	if other.TableID != "t-2" {
		t.Fatalf("table = %q, want t-2", other.TableID)
	}

	h.clock.Advance(2 * time.Hour)
	second, err := h.svc.Create(asDevice("dev-2"), CreateRequest{RestaurantID: "rest-1", TableID: "t-1", Name: "Second"})
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new session")
	}
	stale, err := h.svc.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.Status != domain.StatusExpired {
		t.Fatalf("stale status = %s, want %s", stale.Status, domain.StatusExpired)
	}
}

func TestJoinAndRejoin(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})

	joined, guest := h.join(t, sess, "dev-guest", "Guest")
	if joined.Version != 1 {
		t.Fatalf("version = %d, want 1", joined.Version)
	}
	if len(joined.ActiveParticipants()) != 2 {
		t.Fatalf("active participants = %d, want 2", len(joined.ActiveParticipants()))
	}

	rejoined, again := h.join(t, sess, "dev-guest", "Guest")
	if again.ID != guest.ID {
		t.Fatalf("rejoin participant = %q, want %q", again.ID, guest.ID)
	}
	if len(rejoined.ActiveParticipants()) != 2 {
		t.Fatalf("active participants after rejoin = %d, want 2", len(rejoined.ActiveParticipants()))
	}

	viaInvite, _, err := h.svc.Join(asDevice("dev-third"), " "+sess.InviteCode+" ", JoinRequest{Name: "Third"})
	if err != nil {
		t.Fatalf("join via invite: %v", err)
	}
	if len(viaInvite.ActiveParticipants()) != 3 {
		t.Fatalf("active participants = %d, want 3", len(viaInvite.ActiveParticipants()))
	}

	want := []domain.EventType{
		domain.EventSessionCreated,
		domain.EventParticipantJoined,
		domain.EventParticipantRejoined,
		domain.EventParticipantJoined,
	}
	got := h.notifier.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestJoinErrors(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})

	_, _, err := h.svc.Join(asDevice("dev-x"), "nope", JoinRequest{Name: "X"})
	assertCode(t, err, apperrors.CodeValidation)

	_, _, err = h.svc.Join(asDevice("dev-x"), "ZZZZZZ", JoinRequest{Name: "X"})
	assertCode(t, err, apperrors.CodeNotFound)

	_, _, err = h.svc.Join(context.Background(), sess.JoinCode, JoinRequest{Name: "X"})
	assertCode(t, err, apperrors.CodeUnauthenticated)

	h.clock.Advance(2 * time.Hour)
	_, _, err = h.svc.Join(asDevice("dev-x"), sess.JoinCode, JoinRequest{Name: "X"})
	assertCode(t, err, apperrors.CodeSessionExpired)
}

func TestJoinByUser(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	_, p, err := h.svc.Join(asUser("user-7"), sess.JoinCode, JoinRequest{Name: "Sam", Email: "sam@example.com"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if p.Identity.UserID != "user-7" {
		t.Fatalf("user id = %q, want user-7", p.Identity.UserID)
	}
}

func TestAddItemComputesTotals(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	host := sess.Participants[0]

	next, item, err := h.svc.AddItem(asDevice("dev-host"), sess.ID, sess.Version, domain.AddItemInput{
		Name:     "Fries",
		Price:    400,
		Quantity: 2,
		AddedBy:  host.ID,
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if item.ID == "" {
		t.Fatal("expected item id")
	}
	if next.Version != 1 {
		t.Fatalf("version = %d, want 1", next.Version)
	}
	if next.Totals.Subtotal != 800 || next.Totals.Tax != 80 || next.Totals.Total != 880 {
		t.Fatalf("totals = %+v, want subtotal 800 tax 80 total 880", next.Totals)
	}
}

func TestAddItemVersionChecks(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	host := sess.Participants[0]
	in := domain.AddItemInput{Name: "Tea", Price: 300, Quantity: 1, AddedBy: host.ID}

	_, _, err := h.svc.AddItem(asDevice("dev-host"), sess.ID, 5, in)
	assertCode(t, err, apperrors.CodeConcurrentModification)
	if got := apperrors.MetadataOf(err)[apperrors.MetaCurrentVersion]; got != "0" {
		t.Fatalf("current_version = %q, want 0", got)
	}

	_, _, err = h.svc.AddItem(asDevice("dev-host"), "missing", 0, in)
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestConcurrentAddItemOneWins(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	sess, guest := h.join(t, sess, "dev-guest", "Guest")
	host := sess.Participants[0]

	type attempt struct {
		ctx   context.Context
		actor string
	}
	attempts := []attempt{
		{asDevice("dev-host"), host.ID},
		{asDevice("dev-guest"), guest.ID},
	}
	errs := make([]error, len(attempts))
	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = h.svc.AddItem(a.ctx, sess.ID, sess.Version, domain.AddItemInput{
				Name: "Pie", Price: 500, Quantity: 1, AddedBy: a.actor,
			})
		}()
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperrors.CodeOf(err) == apperrors.CodeConcurrentModification:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok = %d conflicts = %d, want 1 and 1", ok, conflicts)
	}
	final, err := h.svc.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Version != sess.Version+1 || len(final.Items) != 1 {
		t.Fatalf("final version %d items %d, want %d and 1", final.Version, len(final.Items), sess.Version+1)
	}
}

func TestMutationsCheckCaller(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	sess, guest := h.join(t, sess, "dev-guest", "Guest")

	_, _, err := h.svc.AddItem(asDevice("dev-intruder"), sess.ID, sess.Version, domain.AddItemInput{
		Name: "Pie", Price: 500, Quantity: 1, AddedBy: guest.ID,
	})
	assertCode(t, err, apperrors.CodeForbidden)

	_, err = h.svc.Leave(asDevice("dev-host"), sess.ID, guest.ID)
	assertCode(t, err, apperrors.CodeForbidden)

	if _, err := h.svc.Touch(asDevice("dev-guest"), sess.ID, guest.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
}

func TestMutationOnExpiredSession(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	host := sess.Participants[0]

	h.clock.Advance(2 * time.Hour)
	_, _, err := h.svc.AddItem(asDevice("dev-host"), sess.ID, sess.Version, domain.AddItemInput{
		Name: "Tea", Price: 300, Quantity: 1, AddedBy: host.ID,
	})
	assertCode(t, err, apperrors.CodeSessionExpired)

	expired, err := h.svc.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want %s", expired.Status, domain.StatusExpired)
	}
	if expired.Version != sess.Version+1 {
		t.Fatalf("version = %d, want %d", expired.Version, sess.Version+1)
	}
	types := h.notifier.types()
	if last := types[len(types)-1]; last != domain.EventSessionExpired {
		t.Fatalf("last event = %s, want %s", last, domain.EventSessionExpired)
	}

	_, err = h.svc.Cancel(asDevice("dev-host"), sess.ID, expired.Version, host.ID)
	assertCode(t, err, apperrors.CodeInvalidTransition)
}

func TestAddMenuItem(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	host := sess.Participants[0]
	ctx := asDevice("dev-host")

	next, item, err := h.svc.AddMenuItem(ctx, sess.ID, sess.Version, MenuItemRequest{
		MenuItemID: "burger", Quantity: 1, AddedBy: host.ID,
	})
	if err != nil {
		t.Fatalf("add menu item: %v", err)
	}
	if item.Name != "Burger" || item.Price != 1200 {
		t.Fatalf("item = %+v, want Burger at 1200", item)
	}
	if next.Totals.Total != 1320 {
		t.Fatalf("total = %d, want 1320", next.Totals.Total)
	}

	_, _, err = h.svc.AddMenuItem(ctx, sess.ID, next.Version, MenuItemRequest{MenuItemID: "soup", Quantity: 1, AddedBy: host.ID})
	assertCode(t, err, apperrors.CodeValidation)
	_, _, err = h.svc.AddMenuItem(ctx, sess.ID, next.Version, MenuItemRequest{MenuItemID: "pizza", Quantity: 1, AddedBy: host.ID})
	assertCode(t, err, apperrors.CodeValidation)
}

func TestAddMenuItemWithoutMenu(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) { deps.Menu = nil })
	sess := h.create(t, CreateRequest{})
	_, _, err := h.svc.AddMenuItem(asDevice("dev-host"), sess.ID, sess.Version, MenuItemRequest{
		MenuItemID: "burger", Quantity: 1, AddedBy: sess.Participants[0].ID,
	})
	assertCode(t, err, apperrors.CodeUnavailable)
}

func TestOrderLifecycle(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	sess, guest := h.join(t, sess, "dev-guest", "Guest")
	host := sess.Participants[0]
	hostCtx, guestCtx := asDevice("dev-host"), asDevice("dev-guest")

	sess, _, err := h.svc.AddMenuItem(guestCtx, sess.ID, sess.Version, MenuItemRequest{MenuItemID: "burger", Quantity: 1, AddedBy: guest.ID})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	sess, err = h.svc.SetPaymentStructure(hostCtx, sess.ID, sess.Version, domain.PaymentInput{Method: domain.EqualSplit, SetBy: host.ID})
	if err != nil {
		t.Fatalf("set payment structure: %v", err)
	}
	split, err := h.svc.Split(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(split.Assignments) != 2 || split.Sum() != 1320 {
		t.Fatalf("split = %+v, want two shares summing to 1320", split)
	}

	_, err = h.svc.RecordPayment(hostCtx, sess.ID, sess.Version, host.ID)
	assertCode(t, err, apperrors.CodeInvalidTransition)

	sess, err = h.svc.Submit(hostCtx, sess.ID, sess.Version, host.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sess.Status != domain.StatusSubmitted || sess.SubmittedBy != host.ID {
		t.Fatalf("status %s submitted_by %q, want submitted by host", sess.Status, sess.SubmittedBy)
	}
	_, _, err = h.svc.AddItem(hostCtx, sess.ID, sess.Version, domain.AddItemInput{Name: "Tea", Price: 300, Quantity: 1, AddedBy: host.ID})
	assertCode(t, err, apperrors.CodeInvalidTransition)

	sess, err = h.svc.RecordPayment(guestCtx, sess.ID, sess.Version, guest.ID)
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if sess.PaymentSplit.CompletedPayments != 1 {
		t.Fatalf("completed payments = %d, want 1", sess.PaymentSplit.CompletedPayments)
	}

	_, err = h.svc.Complete(hostCtx, sess.ID, sess.Version)
	assertCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.Complete(asDevice("dev-total-stranger"), sess.ID, sess.Version)
	assertCode(t, err, apperrors.CodeForbidden)

	sess, err = h.svc.Complete(asFulfilment("kitchen"), sess.ID, sess.Version)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if sess.Status != domain.StatusCompleted || sess.ClosedAt == nil {
		t.Fatalf("status %s closed_at %v, want completed", sess.Status, sess.ClosedAt)
	}
}

func TestLeaveDropsItems(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})
	sess, guest := h.join(t, sess, "dev-guest", "Guest")
	guestCtx := asDevice("dev-guest")

	sess, _, err := h.svc.AddItem(guestCtx, sess.ID, sess.Version, domain.AddItemInput{Name: "Tea", Price: 300, Quantity: 1, AddedBy: guest.ID})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	sess, err = h.svc.Leave(guestCtx, sess.ID, guest.ID)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(sess.Items) != 0 || sess.Totals.Total != 0 {
		t.Fatalf("items %d total %d, want empty cart", len(sess.Items), sess.Totals.Total)
	}
	if _, err := h.svc.Leave(guestCtx, sess.ID, guest.ID); err == nil {
		t.Fatal("expected error leaving twice")
	}
}

func TestSubscribeReceivesCommittedSnapshots(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, CreateRequest{})

	snapshot, sub, err := h.svc.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if snapshot.Version != sess.Version {
		t.Fatalf("snapshot version = %d, want %d", snapshot.Version, sess.Version)
	}

	h.join(t, sess, "dev-guest", "Guest")
	select {
	case evt := <-sub.Events():
		if evt.Type != domain.EventParticipantJoined || evt.Version != 1 {
			t.Fatalf("event = %s v%d, want %s v1", evt.Type, evt.Version, domain.EventParticipantJoined)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	if _, _, err := h.svc.Subscribe(context.Background(), "missing"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("subscribe missing = %v, want NOT_FOUND", err)
	}
	if n := h.svc.Hub().Subscribers("missing"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}
