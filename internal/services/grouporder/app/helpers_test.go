package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/platform/requestctx"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/menu"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage/sqlite"
)

var testStart = time.Date(2026, time.March, 1, 18, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

type harness struct {
	svc      *Service
	clock    *testclock.Clock
	store    *sqlite.Store
	notifier *recordingNotifier
	catalog  *menu.Static
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "grouporder.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		clock:    testclock.NewClock(testStart),
		store:    store,
		notifier: &recordingNotifier{},
		catalog: menu.NewStatic(
			menu.Item{ID: "burger", Name: "Burger", Price: 1200, Available: true},
			menu.Item{ID: "soup", Name: "Soup", Price: 600, Available: false},
		),
	}
	cfg := Config{
		Pricing:    domain.Pricing{TaxRate: 1000},
		SessionTTL: time.Hour,
	}
	deps := Deps{
		Store:    store,
		Notifier: h.notifier,
		Menu:     h.catalog,
		Clock:    h.clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.svc, err = NewService(cfg, deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func asDevice(device string) context.Context {
	return requestctx.WithCaller(context.Background(), requestctx.Caller{DeviceID: device})
}

func asUser(userID string) context.Context {
	return requestctx.WithCaller(context.Background(), requestctx.Caller{UserID: userID})
}

func asFulfilment(service string) context.Context {
	return requestctx.WithCaller(context.Background(), requestctx.Caller{UserID: service, Role: requestctx.RoleFulfilment})
}

func (h *harness) create(t *testing.T, req CreateRequest) domain.Session {
	t.Helper()
	if req.RestaurantID == "" {
		req.RestaurantID = "rest-1"
	}
	if req.Name == "" {
		req.Name = "Host"
	}
	sess, err := h.svc.Create(asDevice("dev-host"), req)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (h *harness) join(t *testing.T, sess domain.Session, device, name string) (domain.Session, domain.Participant) {
	t.Helper()
	joined, p, err := h.svc.Join(asDevice(device), sess.JoinCode, JoinRequest{Name: name})
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return joined, p
}

func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("error code = %v, want %v (err %v)", got, want, err)
	}
}
