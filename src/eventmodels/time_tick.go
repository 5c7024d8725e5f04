package eventmodels

import "time"

// TimeTick drives periodic rule evaluation for time-sensitive rules even
// when the broker stream is quiet.
type TimeTick struct {
	Timestamp time.Time
}

func (t *TimeTick) PayloadEventType() EventType {
	return EventTypeTimeTick
}

func (t *TimeTick) DefaultPriority() int {
	return PriorityTimeTick
}
