package domain

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
)

// IdentityKind discriminates identified users from anonymous devices.
type IdentityKind string

const (
	IdentityUser   IdentityKind = "user"
	IdentityDevice IdentityKind = "device"
)

// Identity is the external participant key plus display details.
type Identity struct {
	Kind     IdentityKind `json:"kind"`
	UserID   string       `json:"user_id,omitempty"`
	DeviceID string       `json:"device_id,omitempty"`
	Name     string       `json:"name"`
	Email    string       `json:"email,omitempty"`
}

// Identified builds an identity for an authenticated user.
func Identified(userID, name, email string) Identity {
	return Identity{Kind: IdentityUser, UserID: strings.TrimSpace(userID), Name: strings.TrimSpace(name), Email: strings.TrimSpace(email)}
}

// Anonymous builds an identity for a guest device.
func Anonymous(deviceID, name, email string) Identity {
	return Identity{Kind: IdentityDevice, DeviceID: strings.TrimSpace(deviceID), Name: strings.TrimSpace(name), Email: strings.TrimSpace(email)}
}

// Key is the stable participant key used for idempotent rejoin.
func (i Identity) Key() string {
	switch i.Kind {
	case IdentityUser:
		return "user:" + i.UserID
	case IdentityDevice:
		return "device:" + i.DeviceID
	}
	return ""
}

// Validate checks that the variant carries its id and a display name.
func (i Identity) Validate() error {
	switch i.Kind {
	case IdentityUser:
		if i.UserID == "" {
			return validation("identity.user_id", "user id is required")
		}
	case IdentityDevice:
		if i.DeviceID == "" {
			return validation("identity.device_id", "device id is required")
		}
	default:
		return validation("identity.kind", "identity kind must be user or device")
	}
	if i.Name == "" {
		return validation("identity.name", "display name is required")
	}
	return nil
}

// ParticipantStatus tracks whether a participant is still in the session.
type ParticipantStatus string

const (
	ParticipantActive ParticipantStatus = "active"
	ParticipantLeft   ParticipantStatus = "left"
)

// Participant is one member of a group order.
type Participant struct {
	ID            string            `json:"participant_id"`
	Identity      Identity          `json:"identity"`
	Status        ParticipantStatus `json:"status"`
	JoinedAt      time.Time         `json:"joined_at"`
	LastActivity  time.Time         `json:"last_activity"`
	SpendingLimit *Money            `json:"spending_limit,omitempty"`
	CurrentSpent  Money             `json:"current_spent"`
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool {
	return p.Status == ParticipantActive
}

// Remaining returns how much the participant may still spend, and false when
// no limit is set.
func (p Participant) Remaining() (Money, bool) {
	if p.SpendingLimit == nil {
		return 0, false
	}
	return *p.SpendingLimit - p.CurrentSpent, true
}

func (p Participant) canAfford(delta Money) bool {
	if delta <= 0 || p.SpendingLimit == nil {
		return true
	}
	return p.CurrentSpent+delta <= *p.SpendingLimit
}

func spendingLimitExceeded(p Participant, cost Money) error {
	return apperrors.WithMetadata(apperrors.CodeSpendingLimitExceeded,
		"spending limit exceeded",
		map[string]string{
			apperrors.MetaParticipantID: p.ID,
			"limit":                     (*p.SpendingLimit).String(),
			"current_spent":             p.CurrentSpent.String(),
			"cost":                      cost.String(),
		})
}
