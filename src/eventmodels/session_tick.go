package eventmodels

import "time"

// SessionTick announces that a trading session boundary has been crossed.
// Boundary is the wall-clock boundary instant itself, which may be earlier
// than Timestamp when the crossing is detected late, e.g. on startup.
type SessionTick struct {
	Boundary  time.Time
	Timestamp time.Time
}

func (s *SessionTick) PayloadEventType() EventType {
	return EventTypeSessionTick
}

func (s *SessionTick) DefaultPriority() int {
	return PrioritySessionTick
}
