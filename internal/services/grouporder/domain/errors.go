package domain

import (
	"strconv"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
)

func validation(field, message string) error {
	return apperrors.WithMetadata(apperrors.CodeValidation, message, map[string]string{apperrors.MetaField: field})
}

func orderTooLarge() error {
	return validation("items", "order subtotal must be at most "+MaxOrderAmount.String())
}

func participantNotFound(id string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "participant not found", map[string]string{apperrors.MetaParticipantID: id})
}

func itemNotFound(id string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "item not found", map[string]string{apperrors.MetaItemID: id})
}

func forbidden(participantID, message string) error {
	return apperrors.WithMetadata(apperrors.CodeForbidden, message, map[string]string{apperrors.MetaParticipantID: participantID})
}

func splitMismatch(message string, want, got int64) error {
	return apperrors.WithMetadata(apperrors.CodeSplitMismatch, message, map[string]string{
		"expected": strconv.FormatInt(want, 10),
		"actual":   strconv.FormatInt(got, 10),
	})
}

// InvalidTransition reports an illegal lifecycle move from the session's status.
func InvalidTransition(s Session, next Status) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransition,
		"cannot move session from "+string(s.Status)+" to "+string(next),
		map[string]string{apperrors.MetaStatus: string(s.Status), apperrors.MetaSessionID: s.ID})
}

// SessionExpired reports a mutation attempted after the session deadline.
func SessionExpired(s Session) error {
	return apperrors.WithMetadata(apperrors.CodeSessionExpired, "session expired",
		map[string]string{apperrors.MetaStatus: string(StatusExpired), apperrors.MetaSessionID: s.ID})
}

// ConcurrentModification reports a stale expected version.
func ConcurrentModification(sessionID string, current int64) error {
	return apperrors.WithMetadata(apperrors.CodeConcurrentModification, "session was modified concurrently",
		map[string]string{
			apperrors.MetaSessionID:      sessionID,
			apperrors.MetaCurrentVersion: strconv.FormatInt(current, 10),
		})
}

// CodeExhausted reports that no free code was found within MaxCodeAttempts.
func CodeExhausted(attempts int) error {
	return apperrors.WithMetadata(apperrors.CodeCodeExhausted, "could not reserve a unique session code",
		map[string]string{"attempts": strconv.Itoa(attempts)})
}
