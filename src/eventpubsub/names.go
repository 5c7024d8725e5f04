package eventpubsub

const (
	ViolationDetectedEvent    = "ViolationDetectedEvent"
	EnforcementCompletedEvent = "EnforcementCompletedEvent"
	AlertEvent                = "AlertEvent"
	Error                     = "DefaultError"
)
