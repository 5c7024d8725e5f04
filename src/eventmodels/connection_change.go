package eventmodels

import "time"

type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusReconnected  ConnectionStatus = "reconnected"
)

// ConnectionChange marks a transition of the broker stream named by Broker.
// A reconnected transition obligates the dispatcher to run reconciliation
// before any further events are consumed for the account; reconnecting is
// advisory.
type ConnectionChange struct {
	Status    ConnectionStatus
	Reason    string
	Broker    string
	Timestamp time.Time
}

func (c *ConnectionChange) PayloadEventType() EventType {
	return EventTypeConnectionChange
}

func (c *ConnectionChange) DefaultPriority() int {
	return PriorityConnectionChange
}
