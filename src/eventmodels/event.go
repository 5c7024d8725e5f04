package eventmodels

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeFill             EventType = "fill"
	EventTypePositionUpdate   EventType = "position_update"
	EventTypeConnectionChange EventType = "connection_change"
	EventTypeTimeTick         EventType = "time_tick"
	EventTypeSessionTick      EventType = "session_tick"
)

// Priority orders events that carry the same timestamp: lower values are
// drained first. Connection transitions outrank everything because they
// change what the rest of the stream means.
const (
	PriorityConnectionChange = 0
	PriorityFill             = 1
	PriorityPositionUpdate   = 2
	PrioritySessionTick      = 3
	PriorityTimeTick         = 4
)

type EventPayload interface {
	PayloadEventType() EventType
	DefaultPriority() int
}

// Event is the normalized envelope published to the risk pipeline. Payload
// is exactly one of the five closed payload types; nothing downstream of the
// normalizer ever sees a broker wire shape.
type Event struct {
	ID            uuid.UUID
	Type          EventType
	Timestamp     time.Time
	Priority      int
	AccountID     string
	Source        string
	Payload       EventPayload
	CorrelationID uuid.UUID
}

func NewEvent(source string, accountID string, timestamp time.Time, payload EventPayload) *Event {
	return &Event{
		ID:        uuid.New(),
		Type:      payload.PayloadEventType(),
		Timestamp: timestamp,
		Priority:  payload.DefaultPriority(),
		AccountID: accountID,
		Source:    source,
		Payload:   payload,
	}
}
