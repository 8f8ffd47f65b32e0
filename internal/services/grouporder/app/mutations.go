package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/retry"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/platform/timeouts"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/menu"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
)

const (
	// unversionedAttempts bounds re-reads for operations that carry no
	// caller version (join, leave, touch, expiry).
	unversionedAttempts = 3
	unversionedDelay    = 5 * time.Millisecond
)

// mutation derives the next snapshot from the current one. Returning the
// current version unchanged means there is nothing to write.
type mutation func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error)

// mutate applies fn when the stored version equals expected.
func (s *Service) mutate(ctx context.Context, sessionID string, expected int64, actorID string, fn mutation) (domain.Session, error) {
	current, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	now := s.now()
	if current.Status == domain.StatusActive && current.PastDeadline(now) {
		expired, _, err := s.expire(ctx, sessionID, "lazy")
		if err != nil {
			return domain.Session{}, err
		}
		return domain.Session{}, domain.SessionExpired(expired)
	}
	if current.Version != expected {
		return domain.Session{}, domain.ConcurrentModification(sessionID, current.Version)
	}
	if actorID != "" {
		if err := authorize(ctx, current, actorID); err != nil {
			return domain.Session{}, err
		}
	}

	next, eventType, err := fn(current, now)
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.store.CompareAndSwap(ctx, next, expected); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			latest := expected
			if reread, err := s.store.GetSession(ctx, sessionID); err == nil {
				latest = reread.Version
			}
			return domain.Session{}, domain.ConcurrentModification(sessionID, latest)
		}
		return domain.Session{}, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	s.publish(ctx, next, eventType)
	return next, nil
}

// mutateLatest applies fn to the latest snapshot, re-reading on version
// conflicts up to unversionedAttempts times.
func (s *Service) mutateLatest(ctx context.Context, sessionID, actorID string, expireDue bool, fn mutation) (domain.Session, error) {
	var (
		committed domain.Session
		fatal     error
		seen      int64
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			current, err := s.load(ctx, sessionID)
			if err != nil {
				fatal = err
				return err
			}
			seen = current.Version
			now := s.now()
			if expireDue && current.Status == domain.StatusActive && current.PastDeadline(now) {
				expired, _, err := s.expire(ctx, sessionID, "lazy")
				if err == nil {
					err = domain.SessionExpired(expired)
				}
				fatal = err
				return err
			}
			if actorID != "" {
				if err := authorize(ctx, current, actorID); err != nil {
					fatal = err
					return err
				}
			}
			next, eventType, err := fn(current, now)
			if err != nil {
				fatal = err
				return err
			}
			if next.Version == current.Version {
				committed = next
				return nil
			}
			if err := s.store.CompareAndSwap(ctx, next, current.Version); err != nil {
				if !errors.Is(err, storage.ErrVersionConflict) {
					fatal = fmt.Errorf("save session %s: %w", sessionID, err)
				}
				return err
			}
			committed = next
			s.publish(ctx, next, eventType)
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, storage.ErrVersionConflict)
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Debug("session version moved, retrying",
				zap.String("session_id", sessionID), zap.Int("attempt", attempt))
		},
		Attempts: unversionedAttempts,
		Delay:    unversionedDelay,
		Clock:    s.retryClock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return committed, nil
	case fatal != nil:
		return domain.Session{}, fatal
	case retry.IsAttemptsExceeded(err):
		return domain.Session{}, domain.ConcurrentModification(sessionID, seen)
	case ctx.Err() != nil:
		return domain.Session{}, ctx.Err()
	default:
		return domain.Session{}, err
	}
}

// expire records the expired transition for a session past its deadline.
// A session that already left active is returned as is.
// expire moves an overdue active session to expired. The flag reports whether
// this call made the transition.
func (s *Service) expire(ctx context.Context, sessionID, trigger string) (domain.Session, bool, error) {
	transitioned := false
	sess, err := s.mutateLatest(ctx, sessionID, "", false, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		transitioned = false
		if current.Status != domain.StatusActive {
			return current, "", nil
		}
		next, err := domain.Expire(current, now)
		transitioned = err == nil
		return next, domain.EventSessionExpired, err
	})
	if err != nil {
		return domain.Session{}, false, err
	}
	if transitioned {
		s.metrics.Expired(trigger)
		s.logger.Info("session expired", zap.String("session_id", sessionID), zap.String("trigger", trigger))
	}
	return sess, transitioned, nil
}

// Expire closes a session whose deadline has passed. expired is false when the
// session had already left the active state.
func (s *Service) Expire(ctx context.Context, sessionID string) (sess domain.Session, expired bool, err error) {
	ctx, done := s.start(ctx, "expire", sessionID)
	defer func() { done(err) }()
	return s.expire(ctx, sessionID, "sweep")
}

// JoinRequest carries the display details of a joining participant.
type JoinRequest struct {
	Name  string
	Email string
}

// Join adds the caller to the session holding code. A caller that is already
// an active participant gets its existing participant back.
func (s *Service) Join(ctx context.Context, code string, req JoinRequest) (sess domain.Session, p domain.Participant, err error) {
	ctx, done := s.start(ctx, "join", "")
	defer func() { done(err) }()

	identity, err := identityFor(ctx, req.Name, req.Email)
	if err != nil {
		return domain.Session{}, domain.Participant{}, err
	}
	target, err := s.Resolve(ctx, code)
	if err != nil {
		return domain.Session{}, domain.Participant{}, err
	}
	var joined domain.Participant
	sess, err = s.mutateLatest(ctx, target.ID, "", true, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		_, rejoin := current.ParticipantByKey(identity.Key())
		next, participant, err := domain.AddParticipant(current, identity, now, s.newID)
		if err != nil {
			return domain.Session{}, "", err
		}
		joined = participant
		if rejoin {
			return next, domain.EventParticipantRejoined, nil
		}
		return next, domain.EventParticipantJoined, nil
	})
	if err != nil {
		return domain.Session{}, domain.Participant{}, err
	}
	return sess, joined, nil
}

// Leave marks participantID as left.
func (s *Service) Leave(ctx context.Context, sessionID, participantID string) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "leave", sessionID)
	defer func() { done(err) }()
	return s.mutateLatest(ctx, sessionID, participantID, true, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.RemoveParticipant(current, participantID, now)
		return next, domain.EventParticipantLeft, err
	})
}

// Touch refreshes a participant's last activity.
func (s *Service) Touch(ctx context.Context, sessionID, participantID string) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "touch", sessionID)
	defer func() { done(err) }()
	return s.mutateLatest(ctx, sessionID, participantID, true, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.Touch(current, participantID, now)
		return next, domain.EventParticipantTouched, err
	})
}

// AddItem appends a cart line at the expected version.
func (s *Service) AddItem(ctx context.Context, sessionID string, expected int64, in domain.AddItemInput) (sess domain.Session, item domain.CartItem, err error) {
	ctx, done := s.start(ctx, "add_item", sessionID)
	defer func() { done(err) }()
	return s.addItem(ctx, sessionID, expected, in)
}

func (s *Service) addItem(ctx context.Context, sessionID string, expected int64, in domain.AddItemInput) (domain.Session, domain.CartItem, error) {
	var added domain.CartItem
	sess, err := s.mutate(ctx, sessionID, expected, in.AddedBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, item, err := domain.AddItem(current, in, now, s.newID)
		added = item
		return next, domain.EventItemAdded, err
	})
	if err != nil {
		return domain.Session{}, domain.CartItem{}, err
	}
	return sess, added, nil
}

// MenuItemRequest adds a catalog item; name and price come from the menu.
type MenuItemRequest struct {
	MenuItemID     string
	Quantity       int
	Customizations []domain.Customization
	Notes          string
	AddedBy        string
	AssignedTo     []string
}

// AddMenuItem looks the item up in the menu and adds it with the current
// catalog price.
func (s *Service) AddMenuItem(ctx context.Context, sessionID string, expected int64, req MenuItemRequest) (sess domain.Session, item domain.CartItem, err error) {
	ctx, done := s.start(ctx, "add_menu_item", sessionID)
	defer func() { done(err) }()

	if s.menu == nil {
		return domain.Session{}, domain.CartItem{}, apperrors.New(apperrors.CodeUnavailable, "menu lookup is not configured")
	}
	menuItemID := strings.TrimSpace(req.MenuItemID)
	if menuItemID == "" {
		return domain.Session{}, domain.CartItem{}, apperrors.WithMetadata(apperrors.CodeValidation, "menu item id is required",
			map[string]string{apperrors.MetaField: "menu_item_id"})
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeouts.MenuLookup)
	found, err := s.menu.LookupMenuItem(lookupCtx, menuItemID)
	cancel()
	switch {
	case errors.Is(err, menu.ErrNotFound):
		return domain.Session{}, domain.CartItem{}, apperrors.WithMetadata(apperrors.CodeValidation, "menu item does not exist",
			map[string]string{apperrors.MetaField: "menu_item_id"})
	case err != nil:
		return domain.Session{}, domain.CartItem{}, apperrors.WrapWithMetadata(apperrors.CodeUnavailable, "menu lookup failed",
			map[string]string{apperrors.MetaField: "menu_item_id"}, err)
	case !found.Available:
		return domain.Session{}, domain.CartItem{}, apperrors.WithMetadata(apperrors.CodeValidation, "menu item is unavailable",
			map[string]string{apperrors.MetaField: "menu_item_id"})
	}
	return s.addItem(ctx, sessionID, expected, domain.AddItemInput{
		MenuItemID:     menuItemID,
		Name:           found.Name,
		Price:          found.Price,
		Quantity:       req.Quantity,
		Customizations: req.Customizations,
		Notes:          req.Notes,
		AddedBy:        req.AddedBy,
		AssignedTo:     req.AssignedTo,
	})
}

// UpdateItem applies a partial item update.
func (s *Service) UpdateItem(ctx context.Context, sessionID string, expected int64, in domain.UpdateItemInput) (sess domain.Session, item domain.CartItem, err error) {
	ctx, done := s.start(ctx, "update_item", sessionID)
	defer func() { done(err) }()
	var updated domain.CartItem
	sess, err = s.mutate(ctx, sessionID, expected, in.ModifiedBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, item, err := domain.UpdateItem(current, in, now)
		updated = item
		return next, domain.EventItemUpdated, err
	})
	if err != nil {
		return domain.Session{}, domain.CartItem{}, err
	}
	return sess, updated, nil
}

// RemoveItem deletes a cart line and credits its cost back.
func (s *Service) RemoveItem(ctx context.Context, sessionID string, expected int64, itemID, removedBy string) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "remove_item", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, removedBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.RemoveItem(current, itemID, removedBy, now)
		return next, domain.EventItemRemoved, err
	})
}

// SetSpendingLimit sets or clears (nil) a participant's limit.
func (s *Service) SetSpendingLimit(ctx context.Context, sessionID string, expected int64, actorID, participantID string, limit *domain.Money) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "set_spending_limit", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, actorID, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.SetSpendingLimit(current, actorID, participantID, limit, now)
		return next, domain.EventSpendingLimitSet, err
	})
}

// SetPaymentStructure changes how the total is split.
func (s *Service) SetPaymentStructure(ctx context.Context, sessionID string, expected int64, in domain.PaymentInput) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "set_payment_structure", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, in.SetBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.SetPaymentStructure(current, in, now)
		return next, domain.EventPaymentStructureSet, err
	})
}

// SetTip sets the tip.
func (s *Service) SetTip(ctx context.Context, sessionID string, expected int64, setBy string, tip domain.Money) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "set_tip", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, setBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.SetTip(current, setBy, tip, now)
		return next, domain.EventTipSet, err
	})
}

// Submit finalizes the order.
func (s *Service) Submit(ctx context.Context, sessionID string, expected int64, submittedBy string) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "submit", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, submittedBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.Submit(current, submittedBy, now)
		return next, domain.EventSessionSubmitted, err
	})
}

// Cancel closes an active or submitted session.
func (s *Service) Cancel(ctx context.Context, sessionID string, expected int64, cancelledBy string) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "cancel", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, cancelledBy, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.Cancel(current, cancelledBy, now)
		return next, domain.EventSessionCancelled, err
	})
}

// Complete records fulfilment of a submitted order. Request callers need the
// fulfilment role.
func (s *Service) Complete(ctx context.Context, sessionID string, expected int64) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "complete", sessionID)
	defer func() { done(err) }()
	if err := authorizeFulfilment(ctx); err != nil {
		return domain.Session{}, err
	}
	return s.mutate(ctx, sessionID, expected, "", func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.Complete(current, now)
		return next, domain.EventSessionCompleted, err
	})
}

// RecordPayment marks a participant's share of a submitted order as paid.
func (s *Service) RecordPayment(ctx context.Context, sessionID string, expected int64, participantID string) (sess domain.Session, err error) {
	ctx, done := s.start(ctx, "record_payment", sessionID)
	defer func() { done(err) }()
	return s.mutate(ctx, sessionID, expected, participantID, func(current domain.Session, now time.Time) (domain.Session, domain.EventType, error) {
		next, err := domain.RecordPayment(current, participantID, now)
		return next, domain.EventPaymentRecorded, err
	})
}
