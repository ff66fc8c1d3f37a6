package packs

import "time"

// EventType names engine events published to listeners.
type EventType string

const (
	EventGranted  EventType = "granted"
	EventRejected EventType = "rejected"
	EventFailed   EventType = "failed"
	EventOutcome  EventType = "outcome"
	EventFlushed  EventType = "flushed"
)

// Event is a best-effort notification of an engine decision.
type Event struct {
	Type     EventType    `json:"type"`
	PlayerID string       `json:"player_id"`
	Address  string       `json:"address"`
	Asset    string       `json:"asset,omitempty"`
	Reason   RejectReason `json:"reason,omitempty"`
	Outcome  Outcome      `json:"outcome,omitempty"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

// EventSink receives engine events. Implementations must not block.
type EventSink interface {
	Publish(evt Event)
}

type noopSink struct{}

func (noopSink) Publish(Event) {}

// MultiSink forwards every event to each non-nil sink in order.
func MultiSink(sinks ...EventSink) EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []EventSink

func (m multiSink) Publish(evt Event) {
	for _, s := range m {
		s.Publish(evt)
	}
}
