package domain

import "time"

// EventType names what changed in a session.
type EventType string

const (
	EventSessionCreated      EventType = "session.created"
	EventParticipantJoined   EventType = "participant.joined"
	EventParticipantRejoined EventType = "participant.rejoined"
	EventParticipantLeft     EventType = "participant.left"
	EventParticipantTouched  EventType = "participant.touched"
	EventItemAdded           EventType = "item.added"
	EventItemUpdated         EventType = "item.updated"
	EventItemRemoved         EventType = "item.removed"
	EventSpendingLimitSet    EventType = "spending_limit.set"
	EventPaymentStructureSet EventType = "payment_structure.set"
	EventTipSet              EventType = "tip.set"
	EventSessionSubmitted    EventType = "session.submitted"
	EventSessionCancelled    EventType = "session.cancelled"
	EventSessionCompleted    EventType = "session.completed"
	EventSessionExpired      EventType = "session.expired"
	EventPaymentRecorded     EventType = "payment.recorded"
)

// Event is emitted after every accepted write and carries the full snapshot.
type Event struct {
	SessionID  string    `json:"session_id"`
	Version    int64     `json:"version"`
	Status     Status    `json:"status"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Session   `json:"payload"`
}

// NewEvent snapshots s as an event of the given type.
func NewEvent(s Session, eventType EventType) Event {
	return Event{
		SessionID:  s.ID,
		Version:    s.Version,
		Status:     s.Status,
		Type:       eventType,
		OccurredAt: s.UpdatedAt,
		Payload:    s.Clone(),
	}
}
