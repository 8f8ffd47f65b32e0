package domain

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var transitions = map[Status][]Status{
	StatusActive:    {StatusSubmitted, StatusCancelled, StatusExpired},
	StatusSubmitted: {StatusCompleted, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSubmitted, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// HoldsCodes reports whether sessions in s keep their join and invite codes reserved.
func (s Status) HoldsCodes() bool {
	return s == StatusActive || s == StatusSubmitted
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
