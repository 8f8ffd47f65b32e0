// Package domain holds the group order session aggregate and the pure
// operations that derive its next state.
package domain

import (
	"slices"
	"time"
)

const (
	// DefaultMaxParticipants applies when creation does not set a capacity.
	DefaultMaxParticipants = 8
	// MinParticipants and MaxParticipants bound the configurable capacity.
	MinParticipants = 2
	MaxParticipants = 20
)

// PaymentStructure selects how the total is allocated across participants.
type PaymentStructure string

const (
	PayAll      PaymentStructure = "pay_all"
	EqualSplit  PaymentStructure = "equal_split"
	PayOwn      PaymentStructure = "pay_own"
	CustomSplit PaymentStructure = "custom_split"
)

// Valid reports whether p is a known structure.
func (p PaymentStructure) Valid() bool {
	switch p {
	case PayAll, EqualSplit, PayOwn, CustomSplit:
		return true
	}
	return false
}

// Pricing is the fee schedule captured when a session is created.
type Pricing struct {
	TaxRate     BasisPoints `json:"tax_rate_bps"`
	ServiceFee  BasisPoints `json:"service_fee_bps"`
	DeliveryFee Money       `json:"delivery_fee"`
}

// Totals are derived from items, tip and pricing; never set directly.
type Totals struct {
	Subtotal    Money `json:"subtotal"`
	Tax         Money `json:"tax"`
	DeliveryFee Money `json:"delivery_fee"`
	ServiceFee  Money `json:"service_fee"`
	Tip         Money `json:"tip"`
	Total       Money `json:"total"`
}

// CustomUnit says whether custom shares are amounts or percentages.
type CustomUnit string

const (
	CustomAmount  CustomUnit = "amount"
	CustomPercent CustomUnit = "percent"
)

// CustomShare is one caller-supplied allocation for custom_split.
type CustomShare struct {
	ParticipantID string      `json:"participant_id"`
	Amount        Money       `json:"amount,omitempty"`
	Percent       BasisPoints `json:"percent_bps,omitempty"`
}

// CustomAllocation is the full caller-supplied custom_split input.
type CustomAllocation struct {
	Unit   CustomUnit    `json:"unit"`
	Shares []CustomShare `json:"shares"`
}

// Assignment is what one participant owes.
type Assignment struct {
	ParticipantID string     `json:"participant_id"`
	Amount        Money      `json:"amount"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

// PaymentSplit is the derived allocation plus payment bookkeeping.
type PaymentSplit struct {
	Method            PaymentStructure  `json:"method"`
	PayerID           string            `json:"payer_id,omitempty"`
	Custom            *CustomAllocation `json:"custom,omitempty"`
	Assignments       []Assignment      `json:"assignments"`
	CompletedPayments int               `json:"completed_payments"`
	TotalPayments     int               `json:"total_payments"`
	Reconciled        bool              `json:"reconciled"`
}

// Session is the group order aggregate.
type Session struct {
	ID              string        `json:"session_id"`
	JoinCode        string        `json:"join_code"`
	InviteCode      string        `json:"invite_code"`
	RestaurantID    string        `json:"restaurant_id"`
	TableID         string        `json:"table_id,omitempty"`
	Status          Status        `json:"status"`
	Participants    []Participant `json:"participants"`
	Items           []CartItem    `json:"items"`
	Pricing         Pricing       `json:"pricing"`
	Totals          Totals        `json:"totals"`
	PaymentSplit    PaymentSplit  `json:"payment_split"`
	MaxParticipants int           `json:"max_participants"`
	Version         int64         `json:"version"`
	CreatedBy       string        `json:"created_by"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	SubmittedBy     string        `json:"submitted_by,omitempty"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty"`
}

// DineIn reports whether the session is bound to a table.
func (s Session) DineIn() bool {
	return s.TableID != ""
}

// PastDeadline reports whether now is strictly after ExpiresAt. The session is
// still open at the deadline instant itself.
func (s Session) PastDeadline(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Participant returns the participant with id.
func (s Session) Participant(id string) (Participant, bool) {
	if i := s.participantIndex(id); i >= 0 {
		return s.Participants[i], true
	}
	return Participant{}, false
}

// ParticipantByKey returns the active participant with the identity key.
func (s Session) ParticipantByKey(key string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.Active() && p.Identity.Key() == key {
			return p, true
		}
	}
	return Participant{}, false
}

// ActiveParticipants returns active participants in join order.
func (s Session) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Active() {
			active = append(active, p)
		}
	}
	return active
}

// Item returns the cart item with id.
func (s Session) Item(id string) (CartItem, bool) {
	if i := s.itemIndex(id); i >= 0 {
		return s.Items[i], true
	}
	return CartItem{}, false
}

// Clone returns a deep copy sharing no slices or pointers with s.
func (s Session) Clone() Session {
	out := s
	out.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		if p.SpendingLimit != nil {
			limit := *p.SpendingLimit
			p.SpendingLimit = &limit
		}
		out.Participants[i] = p
	}
	out.Items = make([]CartItem, len(s.Items))
	for i, item := range s.Items {
		item.Customizations = slices.Clone(item.Customizations)
		item.AssignedTo = slices.Clone(item.AssignedTo)
		out.Items[i] = item
	}
	out.PaymentSplit = s.PaymentSplit.clone()
	out.SubmittedAt = cloneTime(s.SubmittedAt)
	out.ClosedAt = cloneTime(s.ClosedAt)
	return out
}

func (p PaymentSplit) clone() PaymentSplit {
	out := p
	if p.Custom != nil {
		custom := *p.Custom
		custom.Shares = slices.Clone(p.Custom.Shares)
		out.Custom = &custom
	}
	out.Assignments = make([]Assignment, len(p.Assignments))
	for i, a := range p.Assignments {
		a.PaidAt = cloneTime(a.PaidAt)
		out.Assignments[i] = a
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s Session) participantIndex(id string) int {
	return slices.IndexFunc(s.Participants, func(p Participant) bool { return p.ID == id })
}

func (s Session) itemIndex(id string) int {
	return slices.IndexFunc(s.Items, func(item CartItem) bool { return item.ID == id })
}
