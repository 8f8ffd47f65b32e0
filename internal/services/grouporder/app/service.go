// Package app orchestrates group order sessions: it loads aggregates, applies
// pure domain mutations under the store's compare-and-swap guard and fans
// committed snapshots out to subscribers and the notifier.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/platform/id"
	"github.com/louisbranch/grouporder/internal/platform/logging"
	"github.com/louisbranch/grouporder/internal/platform/requestctx"
	"github.com/louisbranch/grouporder/internal/platform/timeouts"
	"github.com/louisbranch/grouporder/internal/services/grouporder/broadcast"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/menu"
	"github.com/louisbranch/grouporder/internal/services/grouporder/metrics"
	"github.com/louisbranch/grouporder/internal/services/grouporder/notify"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
)

const tracerName = "github.com/louisbranch/grouporder/internal/services/grouporder/app"

// Config holds session defaults applied at creation.
type Config struct {
	Pricing                domain.Pricing
	SessionTTL             time.Duration
	DefaultMaxParticipants int
	// OneSessionPerTable rejects a second open session for the same table.
	OneSessionPerTable bool
}

// Deps are the collaborators of a Service. Store is required.
type Deps struct {
	Store    storage.SessionStore
	Hub      *broadcast.Hub
	Notifier notify.Notifier
	Menu     menu.Lookup
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	Clock    clock.Clock
	// NewID defaults to id.NewPrefixedID.
	NewID domain.IDFunc
	// Codes is the randomness source for join codes; nil means crypto/rand.
	Codes io.Reader
}

// Service is the compare-and-apply gate for session mutations.
type Service struct {
	cfg        Config
	store      storage.SessionStore
	hub        *broadcast.Hub
	notifier   notify.Notifier
	menu       menu.Lookup
	metrics    *metrics.Collector
	logger     *zap.Logger
	clock      clock.Clock
	retryClock clock.Clock
	newID      domain.IDFunc
	codes      io.Reader
	tracer     trace.Tracer
}

// NewService validates deps and applies defaults.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if cfg.DefaultMaxParticipants == 0 {
		cfg.DefaultMaxParticipants = domain.DefaultMaxParticipants
	}
	svc := &Service{
		cfg:        cfg,
		store:      deps.Store,
		hub:        deps.Hub,
		notifier:   deps.Notifier,
		menu:       deps.Menu,
		metrics:    deps.Metrics,
		logger:     logging.OrNop(deps.Logger).Named("grouporder"),
		clock:      deps.Clock,
		retryClock: clock.WallClock,
		newID:      deps.NewID,
		codes:      deps.Codes,
		tracer:     otel.Tracer(tracerName),
	}
	if svc.hub == nil {
		svc.hub = broadcast.NewHub()
	}
	if svc.notifier == nil {
		svc.notifier = notify.Nop{}
	}
	if svc.clock == nil {
		svc.clock = clock.WallClock
	}
	if svc.newID == nil {
		svc.newID = id.NewPrefixedID
	}
	return svc, nil
}

// Hub returns the broadcaster snapshots are published to.
func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// CreateRequest opens a session hosted by the calling identity.
type CreateRequest struct {
	RestaurantID    string
	TableID         string
	Name            string
	Email           string
	MaxParticipants int
}

// Create opens a new active session with fresh join and invite codes.
func (s *Service) Create(ctx context.Context, req CreateRequest) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "create", "")
	defer func() { done(err) }()

	host, err := identityFor(ctx, req.Name, req.Email)
	if err != nil {
		return domain.Session{}, err
	}
	maxParticipants := req.MaxParticipants
	if maxParticipants == 0 {
		maxParticipants = s.cfg.DefaultMaxParticipants
	}
	opts := storage.CreateOptions{
		ExclusiveTable: s.cfg.OneSessionPerTable && storage.TableKey(req.RestaurantID, req.TableID) != "",
	}

	tableRetried := false
	for attempt := 0; attempt < domain.MaxCodeAttempts; {
		joinCode, inviteCode, err := s.generateCodes()
		if err != nil {
			return domain.Session{}, err
		}
		attempt++
		if joinCode == inviteCode {
			continue
		}
		sess, err := domain.NewSession(domain.CreateInput{
			RestaurantID:    req.RestaurantID,
			TableID:         req.TableID,
			Host:            host,
			MaxParticipants: maxParticipants,
			Pricing:         s.cfg.Pricing,
			TTL:             s.cfg.SessionTTL,
			JoinCode:        joinCode,
			InviteCode:      inviteCode,
		}, s.now(), s.newID)
		if err != nil {
			return domain.Session{}, err
		}

		err = s.store.CreateSession(ctx, sess, opts)
		switch {
		case err == nil:
			s.publish(ctx, sess, domain.EventSessionCreated)
			return sess, nil
		case errors.Is(err, storage.ErrCodeTaken):
			s.logger.Debug("session code collision", zap.Int("attempt", attempt))
			continue
		case errors.Is(err, storage.ErrTableTaken):
			if tableRetried {
				return domain.Session{}, activeSessionExists(req.RestaurantID, req.TableID, "")
			}
			tableRetried = true
			attempt--
			if err := s.clearStaleTable(ctx, req.RestaurantID, req.TableID); err != nil {
				return domain.Session{}, err
			}
		default:
			return domain.Session{}, fmt.Errorf("create session: %w", err)
		}
	}
	return domain.Session{}, domain.CodeExhausted(domain.MaxCodeAttempts)
}

// clearStaleTable expires the session holding a table when its deadline has
// passed; a live holder is reported as ACTIVE_SESSION_EXISTS.
func (s *Service) clearStaleTable(ctx context.Context, restaurantID, tableID string) error {
	blocking, err := s.store.GetOpenSessionByTable(ctx, restaurantID, tableID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load table session: %w", err)
	}
	if !blocking.PastDeadline(s.now()) {
		return activeSessionExists(restaurantID, tableID, blocking.ID)
	}
	if _, _, err := s.expire(ctx, blocking.ID, "lazy"); err != nil {
		return err
	}
	return nil
}

func (s *Service) generateCodes() (string, string, error) {
	joinCode, err := domain.GenerateCode(s.codes)
	if err != nil {
		return "", "", fmt.Errorf("generate join code: %w", err)
	}
	inviteCode, err := domain.GenerateCode(s.codes)
	if err != nil {
		return "", "", fmt.Errorf("generate invite code: %w", err)
	}
	return joinCode, inviteCode, nil
}

// Get returns the current snapshot, recording expiry if the deadline passed.
func (s *Service) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return s.settle(ctx, sess)
}

// Resolve looks a session up by join or invite code. Terminal sessions still
// resolve so callers learn how the session ended.
func (s *Service) Resolve(ctx context.Context, code string) (domain.Session, error) {
	normalized := domain.NormalizeCode(code)
	if !domain.ValidCode(normalized) {
		return domain.Session{}, apperrors.WithMetadata(apperrors.CodeValidation, "malformed session code",
			map[string]string{apperrors.MetaField: "code"})
	}
	sess, err := s.store.GetSessionByCode(ctx, normalized)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Session{}, apperrors.New(apperrors.CodeNotFound, "no session for code")
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve code: %w", err)
	}
	return s.settle(ctx, sess)
}

// settle records a due expiry and returns the latest snapshot.
func (s *Service) settle(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if sess.Status != domain.StatusActive || !sess.PastDeadline(s.now()) {
		return sess, nil
	}
	expired, _, err := s.expire(ctx, sess.ID, "lazy")
	return expired, err
}

// Split returns the payment split of the current snapshot.
func (s *Service) Split(ctx context.Context, sessionID string) (domain.PaymentSplit, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return domain.PaymentSplit{}, err
	}
	if sess.Status != domain.StatusActive {
		return sess.PaymentSplit.Clone(), nil
	}
	return domain.ComputeSplit(sess), nil
}

// Subscribe returns the current snapshot and a subscription delivering every
// later snapshot. The subscription is registered before the snapshot is read
// so no committed version is missed; callers skip events at or below the
// snapshot version.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (domain.Session, *broadcast.Subscription, error) {
	sub := s.hub.Subscribe(sessionID, -1)
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		sub.Close()
		return domain.Session{}, nil, err
	}
	return sess, sub, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Session{}, apperrors.WithMetadata(apperrors.CodeNotFound, "session not found",
			map[string]string{apperrors.MetaSessionID: sessionID})
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return sess, nil
}

// publish fans a committed snapshot out. It runs after the write and never
// fails the operation.
func (s *Service) publish(ctx context.Context, sess domain.Session, eventType domain.EventType) {
	evt := domain.NewEvent(sess, eventType)
	s.hub.Publish(evt)

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Publish)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, evt); err != nil {
		s.metrics.NotifyFailed()
		s.logger.Warn("notify session event",
			zap.String("session_id", sess.ID),
			zap.Int64("version", sess.Version),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

// start opens a span for op and returns a func that records the outcome.
func (s *Service) start(ctx context.Context, op, sessionID string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "grouporder."+op, trace.WithAttributes(
		attribute.String("grouporder.op", op),
		attribute.String("grouporder.session_id", sessionID),
	))
	began := time.Now()
	return ctx, func(err error) {
		outcome := outcomeOf(err)
		s.metrics.ObserveMutation(op, outcome, time.Since(began))
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("grouporder.error_code", string(apperrors.CodeOf(err))))
			if outcome == metrics.OutcomeError {
				span.SetStatus(otelcodes.Error, err.Error())
				s.logger.Error("session operation failed", zap.String("op", op), zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		span.End()
	}
}

func outcomeOf(err error) string {
	switch code := apperrors.CodeOf(err); {
	case err == nil:
		return metrics.OutcomeOK
	case code.Retryable():
		return metrics.OutcomeConflict
	case code != apperrors.CodeUnknown && code != apperrors.CodeUnavailable:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func activeSessionExists(restaurantID, tableID, sessionID string) error {
	meta := map[string]string{"restaurant_id": restaurantID, "table_id": tableID}
	if sessionID != "" {
		meta[apperrors.MetaSessionID] = sessionID
	}
	return apperrors.WithMetadata(apperrors.CodeActiveSessionExists, "table already has an open session", meta)
}

// identityFor builds the participant identity of the request caller.
func identityFor(ctx context.Context, name, email string) (domain.Identity, error) {
	caller, ok := requestctx.CallerFromContext(ctx)
	if !ok {
		return domain.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "caller identity is required")
	}
	if caller.UserID != "" {
		return domain.Identified(caller.UserID, name, email), nil
	}
	return domain.Anonymous(caller.DeviceID, name, email), nil
}

// authorizeFulfilment admits only callers holding the fulfilment role. Calls
// without a caller in context are trusted like in authorize.
func authorizeFulfilment(ctx context.Context) error {
	caller, ok := requestctx.CallerFromContext(ctx)
	if !ok || caller.HasRole(requestctx.RoleFulfilment) {
		return nil
	}
	return apperrors.New(apperrors.CodeForbidden, "only fulfilment may complete an order")
}

// authorize checks that the request caller owns participantID. Calls without
// a caller in context come from inside the process and are trusted.
func authorize(ctx context.Context, sess domain.Session, participantID string) error {
	caller, ok := requestctx.CallerFromContext(ctx)
	if !ok {
		return nil
	}
	p, found := sess.Participant(participantID)
	if !found {
		return nil
	}
	key := domain.Anonymous(caller.DeviceID, "", "").Key()
	if caller.UserID != "" {
		key = domain.Identified(caller.UserID, "", "").Key()
	}
	if p.Identity.Key() != key {
		return apperrors.WithMetadata(apperrors.CodeForbidden, "caller does not act as this participant",
			map[string]string{apperrors.MetaParticipantID: participantID})
	}
	return nil
}
