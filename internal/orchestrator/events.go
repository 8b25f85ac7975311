package orchestrator

// EventType names one of the orchestrator's session lifecycle events,
// published to the realtime transport (out of scope here) so it can
// update a dashboard or drive further narration.
type EventType string

const (
	EventIdentityCaptured    EventType = "identity_captured"
	EventIdentityConfirmed   EventType = "identity_confirmed"
	EventIdentityUpdated     EventType = "identity_updated"
	EventBookingPending      EventType = "booking_pending"
	EventBookingResult       EventType = "booking_result"
	EventBookingError        EventType = "booking_error"
	EventBookingOptionChosen EventType = "booking_option_chosen"
	EventWrapupDone          EventType = "wrapup_done"
)

// Event is one published lifecycle notification.
type Event struct {
	Type      EventType
	SessionID string
	Data      map[string]any
}

// EventSink receives orchestrator lifecycle events. The realtime bridge
// that streams these to a caller sits outside this module.
type EventSink interface {
	Publish(Event)
}

// NoopEventSink discards every event; it is the default sink so the
// orchestrator never blocks on a missing transport.
type NoopEventSink struct{}

func (NoopEventSink) Publish(Event) {}

// HoldMessagePlayer synthesizes and plays the fixed "please hold"
// message while a background booking search runs. Voice synthesis
// itself is out of scope; NoopHoldMessagePlayer is the default.
type HoldMessagePlayer interface {
	Play(sessionID string)
}

type NoopHoldMessagePlayer struct{}

func (NoopHoldMessagePlayer) Play(string) {}
