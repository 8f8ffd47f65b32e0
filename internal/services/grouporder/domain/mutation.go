package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
)

// MaxIDAttempts bounds item and participant id regeneration on collision.
const MaxIDAttempts = 10

// ID prefixes for generated identifiers.
const (
	SessionIDPrefix     = "ses"
	ParticipantIDPrefix = "par"
	ItemIDPrefix        = "itm"
)

// IDFunc returns a new identifier with the given prefix.
type IDFunc func(prefix string) (string, error)

// ErrIDExhausted is returned when every generated id collided.
var ErrIDExhausted = errors.New("id generator exhausted")

// CreateInput describes a new session.
type CreateInput struct {
	RestaurantID    string
	TableID         string
	Host            Identity
	MaxParticipants int
	Pricing         Pricing
	TTL             time.Duration
	JoinCode        string
	InviteCode      string
}

// NewSession builds an active session at version 0 with the host as its
// first participant.
func NewSession(in CreateInput, now time.Time, newID IDFunc) (Session, error) {
	restaurantID := strings.TrimSpace(in.RestaurantID)
	if restaurantID == "" {
		return Session{}, validation("restaurant_id", "restaurant id is required")
	}
	if err := in.Host.Validate(); err != nil {
		return Session{}, err
	}
	maxParticipants := in.MaxParticipants
	if maxParticipants == 0 {
		maxParticipants = DefaultMaxParticipants
	}
	if maxParticipants < MinParticipants || maxParticipants > MaxParticipants {
		return Session{}, validation("max_participants", fmt.Sprintf("max participants must be between %d and %d", MinParticipants, MaxParticipants))
	}
	if in.TTL <= 0 {
		return Session{}, validation("ttl", "session ttl must be positive")
	}
	if in.Pricing.TaxRate < 0 || in.Pricing.ServiceFee < 0 || in.Pricing.DeliveryFee < 0 {
		return Session{}, validation("pricing", "pricing must not be negative")
	}
	joinCode, inviteCode := NormalizeCode(in.JoinCode), NormalizeCode(in.InviteCode)
	if !ValidCode(joinCode) || !ValidCode(inviteCode) || joinCode == inviteCode {
		return Session{}, validation("code", "join and invite codes must be distinct valid codes")
	}

	sessionID, err := newID(SessionIDPrefix)
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	hostID, err := newID(ParticipantIDPrefix)
	if err != nil {
		return Session{}, fmt.Errorf("generate participant id: %w", err)
	}
	now = now.UTC()
	s := Session{
		ID:              sessionID,
		JoinCode:        joinCode,
		InviteCode:      inviteCode,
		RestaurantID:    restaurantID,
		TableID:         strings.TrimSpace(in.TableID),
		Status:          StatusActive,
		Participants:    []Participant{newParticipant(hostID, in.Host, now)},
		Items:           []CartItem{},
		Pricing:         in.Pricing,
		PaymentSplit:    PaymentSplit{Method: PayAll},
		MaxParticipants: maxParticipants,
		CreatedBy:       hostID,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(in.TTL),
	}
	s.Totals = ComputeTotals(s.Items, s.Pricing, 0, s.DineIn())
	s.PaymentSplit = ComputeSplit(s)
	return s, nil
}

// CheckMutable returns the error a mutation against s must fail with, if any.
func CheckMutable(s Session, now time.Time) error {
	switch {
	case s.Status == StatusExpired:
		return SessionExpired(s)
	case s.Status == StatusActive && s.PastDeadline(now):
		return SessionExpired(s)
	case s.Status != StatusActive:
		return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "session is "+string(s.Status),
			map[string]string{apperrors.MetaStatus: string(s.Status), apperrors.MetaSessionID: s.ID})
	}
	return nil
}

// AddParticipant joins identity to the session. An identity that already has
// an active participant is refreshed and returned instead of duplicated.
func AddParticipant(s Session, identity Identity, now time.Time, newID IDFunc) (Session, Participant, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, Participant{}, err
	}
	if err := identity.Validate(); err != nil {
		return Session{}, Participant{}, err
	}
	if existing, ok := next.ParticipantByKey(identity.Key()); ok {
		i := next.participantIndex(existing.ID)
		next.Participants[i].LastActivity = now
		return finish(next, now), next.Participants[i], nil
	}
	if len(next.ActiveParticipants()) >= next.MaxParticipants {
		return Session{}, Participant{}, apperrors.WithMetadata(apperrors.CodeCapacityExceeded, "session is full",
			map[string]string{apperrors.MetaSessionID: s.ID, "max_participants": fmt.Sprint(s.MaxParticipants)})
	}
	participantID, err := uniqueID(newID, ParticipantIDPrefix, func(id string) bool { return next.participantIndex(id) >= 0 })
	if err != nil {
		return Session{}, Participant{}, err
	}
	p := newParticipant(participantID, identity, now)
	next.Participants = append(next.Participants, p)
	return finish(next, now), p, nil
}

// RemoveParticipant marks the participant as left and drops the items they
// added along with their spending limit.
func RemoveParticipant(s Session, participantID string, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	i, err := next.activeParticipant(participantID)
	if err != nil {
		return Session{}, err
	}
	next.Participants[i].Status = ParticipantLeft
	next.Participants[i].LastActivity = now
	next.Participants[i].SpendingLimit = nil
	next.Participants[i].CurrentSpent = 0

	next.Items = slices.DeleteFunc(next.Items, func(item CartItem) bool { return item.AddedBy == participantID })
	for k := range next.Items {
		next.Items[k].AssignedTo = slices.DeleteFunc(next.Items[k].AssignedTo, func(id string) bool { return id == participantID })
	}
	if next.PaymentSplit.PayerID == participantID {
		next.PaymentSplit.PayerID = ""
	}
	return finish(next, now), nil
}

// AddItemInput describes a new cart line.
type AddItemInput struct {
	MenuItemID     string
	Name           string
	Price          Money
	Quantity       int
	Customizations []Customization
	Notes          string
	AddedBy        string
	AssignedTo     []string
}

// AddItem appends a cart line charged against the adder's spending limit.
func AddItem(s Session, in AddItemInput, now time.Time, newID IDFunc) (Session, CartItem, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, CartItem{}, err
	}
	adder, err := next.activeParticipant(in.AddedBy)
	if err != nil {
		return Session{}, CartItem{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return Session{}, CartItem{}, validation("name", "item name is required")
	}
	if err := validateItemLine(in.Price, in.Quantity, in.Customizations); err != nil {
		return Session{}, CartItem{}, err
	}
	assignees, err := next.assignees(in.AssignedTo)
	if err != nil {
		return Session{}, CartItem{}, err
	}

	item := CartItem{
		MenuItemID:     strings.TrimSpace(in.MenuItemID),
		Name:           strings.TrimSpace(in.Name),
		Price:          in.Price,
		Quantity:       in.Quantity,
		Customizations: slices.Clone(in.Customizations),
		Notes:          strings.TrimSpace(in.Notes),
		AddedBy:        in.AddedBy,
		AssignedTo:     assignees,
		AddedAt:        now,
		LastModified:   now,
		ModifiedBy:     in.AddedBy,
	}
	cost := item.LineTotal()
	if next.Totals.Subtotal+cost > MaxOrderAmount {
		return Session{}, CartItem{}, orderTooLarge()
	}
	if owner := next.Participants[adder]; !owner.canAfford(cost) {
		return Session{}, CartItem{}, spendingLimitExceeded(owner, cost)
	}
	item.ID, err = uniqueID(newID, ItemIDPrefix, func(id string) bool { return next.itemIndex(id) >= 0 })
	if err != nil {
		return Session{}, CartItem{}, err
	}

	next.Items = append(next.Items, item)
	next.Participants[adder].CurrentSpent += cost
	next.Participants[adder].LastActivity = now
	return finish(next, now), item, nil
}

// UpdateItemInput carries a partial item update; nil fields are unchanged.
type UpdateItemInput struct {
	ItemID         string
	ModifiedBy     string
	Quantity       *int
	Customizations *[]Customization
	Notes          *string
	AssignedTo     *[]string
}

// UpdateItem applies a partial update. Any change in line cost is charged to
// the participant who added the item.
func UpdateItem(s Session, in UpdateItemInput, now time.Time) (Session, CartItem, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, CartItem{}, err
	}
	modifier, err := next.activeParticipant(in.ModifiedBy)
	if err != nil {
		return Session{}, CartItem{}, err
	}
	k := next.itemIndex(in.ItemID)
	if k < 0 {
		return Session{}, CartItem{}, itemNotFound(in.ItemID)
	}
	if in.Quantity == nil && in.Customizations == nil && in.Notes == nil && in.AssignedTo == nil {
		return Session{}, CartItem{}, validation("item", "no fields to update")
	}

	item := next.Items[k]
	before := item.LineTotal()
	if in.Quantity != nil {
		item.Quantity = *in.Quantity
	}
	if in.Customizations != nil {
		item.Customizations = slices.Clone(*in.Customizations)
	}
	if in.Notes != nil {
		item.Notes = strings.TrimSpace(*in.Notes)
	}
	if in.AssignedTo != nil {
		if item.AssignedTo, err = next.assignees(*in.AssignedTo); err != nil {
			return Session{}, CartItem{}, err
		}
	}
	if err := validateItemLine(item.Price, item.Quantity, item.Customizations); err != nil {
		return Session{}, CartItem{}, err
	}

	delta := item.LineTotal() - before
	if next.Totals.Subtotal+delta > MaxOrderAmount {
		return Session{}, CartItem{}, orderTooLarge()
	}
	owner := next.participantIndex(item.AddedBy)
	if owner >= 0 {
		if p := next.Participants[owner]; !p.canAfford(delta) {
			return Session{}, CartItem{}, spendingLimitExceeded(p, delta)
		}
		next.Participants[owner].CurrentSpent += delta
	}
	item.LastModified = now
	item.ModifiedBy = in.ModifiedBy
	next.Items[k] = item
	next.Participants[modifier].LastActivity = now
	return finish(next, now), item, nil
}

// RemoveItem deletes a cart line and credits its cost back to the adder.
func RemoveItem(s Session, itemID, removedBy string, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	remover, err := next.activeParticipant(removedBy)
	if err != nil {
		return Session{}, err
	}
	k := next.itemIndex(itemID)
	if k < 0 {
		return Session{}, itemNotFound(itemID)
	}
	item := next.Items[k]
	next.Items = slices.Delete(next.Items, k, k+1)
	if owner := next.participantIndex(item.AddedBy); owner >= 0 {
		next.Participants[owner].CurrentSpent = max(0, next.Participants[owner].CurrentSpent-item.LineTotal())
	}
	next.Participants[remover].LastActivity = now
	return finish(next, now), nil
}

// SetSpendingLimit sets, or with a nil limit clears, a participant's cap.
// Only the participant or the host may change it. Existing items are kept
// even when they exceed the new cap.
func SetSpendingLimit(s Session, actorID, participantID string, limit *Money, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	if _, err := next.activeParticipant(actorID); err != nil {
		return Session{}, err
	}
	if actorID != participantID && actorID != next.CreatedBy {
		return Session{}, forbidden(actorID, "only the participant or the host may set a spending limit")
	}
	i, err := next.activeParticipant(participantID)
	if err != nil {
		return Session{}, err
	}
	if limit != nil {
		if *limit < 0 {
			return Session{}, validation("limit", "spending limit must not be negative")
		}
		if *limit > MaxOrderAmount {
			return Session{}, validation("limit", "spending limit must be at most "+MaxOrderAmount.String())
		}
		v := *limit
		limit = &v
	}
	next.Participants[i].SpendingLimit = limit
	return finish(next, now), nil
}

// PaymentInput selects a payment structure.
type PaymentInput struct {
	Method  PaymentStructure
	PayerID string
	Custom  *CustomAllocation
	SetBy   string
}

// SetPaymentStructure changes the split method. custom_split input must
// reconcile exactly with the current total.
func SetPaymentStructure(s Session, in PaymentInput, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	if _, err := next.activeParticipant(in.SetBy); err != nil {
		return Session{}, err
	}
	if !in.Method.Valid() {
		return Session{}, validation("method", "unknown payment structure")
	}

	split := PaymentSplit{Method: in.Method}
	switch in.Method {
	case PayAll:
		if in.PayerID != "" {
			if _, err := next.activeParticipant(in.PayerID); err != nil {
				return Session{}, err
			}
			split.PayerID = in.PayerID
		}
	case CustomSplit:
		custom, err := next.validateCustom(in.Custom)
		if err != nil {
			return Session{}, err
		}
		split.Custom = custom
	}
	next.PaymentSplit = split
	return finish(next, now), nil
}

// SetTip sets the tip amount; it is kept across item changes.
func SetTip(s Session, setBy string, tip Money, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	if _, err := next.activeParticipant(setBy); err != nil {
		return Session{}, err
	}
	if tip < 0 {
		return Session{}, validation("tip", "tip must not be negative")
	}
	if tip > MaxAmount {
		return Session{}, validation("tip", "tip must be at most "+MaxAmount.String())
	}
	next.Totals.Tip = tip
	return finish(next, now), nil
}

// Touch refreshes a participant's last activity.
func Touch(s Session, participantID string, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	i, err := next.activeParticipant(participantID)
	if err != nil {
		return Session{}, err
	}
	next.Participants[i].LastActivity = now
	return finish(next, now), nil
}

// Submit finalizes the order. The cart must be non-empty and the split must
// reconcile with the total.
func Submit(s Session, submittedBy string, now time.Time) (Session, error) {
	next, err := begin(s, now)
	if err != nil {
		return Session{}, err
	}
	if _, err := next.activeParticipant(submittedBy); err != nil {
		return Session{}, err
	}
	if len(next.Items) == 0 {
		return Session{}, validation("items", "cannot submit an empty order")
	}
	next = recompute(next)
	if !next.PaymentSplit.Reconciled {
		return Session{}, splitMismatch("payment split does not reconcile with the total",
			int64(next.Totals.Total), int64(next.PaymentSplit.Sum()))
	}
	next.Status = StatusSubmitted
	next.SubmittedAt = &now
	next.SubmittedBy = submittedBy
	return bump(next, now), nil
}

// Cancel closes an active or submitted session.
func Cancel(s Session, cancelledBy string, now time.Time) (Session, error) {
	if s.Status == StatusActive {
		if err := CheckMutable(s, now); err != nil {
			return Session{}, err
		}
	}
	if !s.Status.CanTransition(StatusCancelled) {
		return Session{}, InvalidTransition(s, StatusCancelled)
	}
	next := s.Clone()
	i := next.participantIndex(cancelledBy)
	if i < 0 {
		return Session{}, participantNotFound(cancelledBy)
	}
	if !next.Participants[i].Active() {
		return Session{}, forbidden(cancelledBy, "participant has left the session")
	}
	return closeSession(next, StatusCancelled, now), nil
}

// Complete records downstream fulfilment of a submitted order.
func Complete(s Session, now time.Time) (Session, error) {
	if !s.Status.CanTransition(StatusCompleted) {
		return Session{}, InvalidTransition(s, StatusCompleted)
	}
	return closeSession(s.Clone(), StatusCompleted, now), nil
}

// Expire closes an active session whose deadline has passed. Data is kept.
func Expire(s Session, now time.Time) (Session, error) {
	if !s.Status.CanTransition(StatusExpired) {
		return Session{}, InvalidTransition(s, StatusExpired)
	}
	if !s.PastDeadline(now) {
		return Session{}, validation("expires_at", "session has not reached its deadline")
	}
	return closeSession(s.Clone(), StatusExpired, now), nil
}

// RecordPayment marks a participant's assignment as paid. Only submitted
// sessions accept payments.
func RecordPayment(s Session, participantID string, now time.Time) (Session, error) {
	if s.Status != StatusSubmitted {
		return Session{}, apperrors.WithMetadata(apperrors.CodeInvalidTransition, "payments are only accepted for submitted sessions",
			map[string]string{apperrors.MetaStatus: string(s.Status), apperrors.MetaSessionID: s.ID})
	}
	next := s.Clone()
	k := slices.IndexFunc(next.PaymentSplit.Assignments, func(a Assignment) bool { return a.ParticipantID == participantID })
	if k < 0 {
		return Session{}, apperrors.WithMetadata(apperrors.CodeNotFound, "no payment assignment for participant",
			map[string]string{apperrors.MetaParticipantID: participantID})
	}
	if next.PaymentSplit.Assignments[k].PaidAt != nil {
		return Session{}, validation("participant_id", "payment already recorded")
	}
	paidAt := now
	next.PaymentSplit.Assignments[k].PaidAt = &paidAt
	next.PaymentSplit.CompletedPayments++
	return bump(next, now), nil
}

func begin(s Session, now time.Time) (Session, error) {
	if err := CheckMutable(s, now); err != nil {
		return Session{}, err
	}
	return s.Clone(), nil
}

func recompute(s Session) Session {
	s.Totals = ComputeTotals(s.Items, s.Pricing, s.Totals.Tip, s.DineIn())
	s.PaymentSplit = ComputeSplit(s)
	return s
}

func bump(s Session, now time.Time) Session {
	s.Version++
	s.UpdatedAt = now
	return s
}

func finish(s Session, now time.Time) Session {
	return bump(recompute(s), now)
}

func closeSession(s Session, status Status, now time.Time) Session {
	s.Status = status
	closedAt := now
	s.ClosedAt = &closedAt
	return bump(s, now)
}

func newParticipant(id string, identity Identity, now time.Time) Participant {
	return Participant{
		ID:           id,
		Identity:     identity,
		Status:       ParticipantActive,
		JoinedAt:     now,
		LastActivity: now,
	}
}

func uniqueID(newID IDFunc, prefix string, taken func(string) bool) (string, error) {
	for range MaxIDAttempts {
		candidate, err := newID(prefix)
		if err != nil {
			return "", fmt.Errorf("generate %s id: %w", prefix, err)
		}
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts", ErrIDExhausted, prefix, MaxIDAttempts)
}

func (s Session) activeParticipant(id string) (int, error) {
	i := s.participantIndex(id)
	if i < 0 {
		return -1, participantNotFound(id)
	}
	if !s.Participants[i].Active() {
		return -1, forbidden(id, "participant has left the session")
	}
	return i, nil
}

func (s Session) assignees(ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if slices.Contains(out, id) {
			continue
		}
		if _, err := s.activeParticipant(id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (s Session) validateCustom(custom *CustomAllocation) (*CustomAllocation, error) {
	if custom == nil || len(custom.Shares) == 0 {
		return nil, validation("custom", "custom split requires shares")
	}
	unit := custom.Unit
	if unit == "" {
		unit = CustomAmount
	}
	if unit != CustomAmount && unit != CustomPercent {
		return nil, validation("custom.unit", "custom unit must be amount or percent")
	}
	var amounts Money
	var percents BasisPoints
	seen := make(map[string]bool, len(custom.Shares))
	for _, share := range custom.Shares {
		if seen[share.ParticipantID] {
			return nil, validation("custom.shares", "duplicate participant in custom split")
		}
		seen[share.ParticipantID] = true
		if _, err := s.activeParticipant(share.ParticipantID); err != nil {
			return nil, err
		}
		if share.Amount < 0 || share.Percent < 0 {
			return nil, validation("custom.shares", "custom shares must not be negative")
		}
		if share.Amount > maxShareAmount || share.Percent > FullShare {
			return nil, validation("custom.shares", "custom share is larger than any order")
		}
		amounts += share.Amount
		percents += share.Percent
	}
	switch unit {
	case CustomAmount:
		if amounts != s.Totals.Total {
			return nil, splitMismatch("custom amounts must sum to the total", int64(s.Totals.Total), int64(amounts))
		}
	case CustomPercent:
		if percents != FullShare {
			return nil, splitMismatch("custom percentages must sum to 100%", int64(FullShare), int64(percents))
		}
	}
	return &CustomAllocation{Unit: unit, Shares: slices.Clone(custom.Shares)}, nil
}
