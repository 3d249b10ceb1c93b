// Package timeline is the append-only, human-readable record of everything
// the simulator did.
//
// A Timeline is a value. Append returns a new Timeline; the receiver and any
// slice previously returned from it never change.
package timeline

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/mbd888/agentbattle/internal/idgen"
	"github.com/mbd888/agentbattle/internal/protocol"
)

// Event is one timeline entry. FromState/ToState are StateNone when the
// event is not a lifecycle transition.
type Event struct {
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	Actor       protocol.Role  `json:"actor"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	FromState   protocol.State `json:"fromState,omitempty"`
	ToState     protocol.State `json:"toState,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// IsTransition reports whether the event records a state change.
func (e Event) IsTransition() bool {
	return e.ToState != protocol.StateNone
}

// Timeline is an ordered, append-only event sequence.
type Timeline struct {
	events []Event
}

// Append assigns the next sequence number (and an id when empty) and returns
// the extended timeline.
func (t Timeline) Append(e Event) Timeline {
	e.Seq = uint64(len(t.events)) + 1
	if e.ID == "" {
		e.ID = idgen.Name("event", strconv.FormatUint(e.Seq, 10), e.Title, e.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	// Clip so the append always copies and never writes into a backing array
	// another Timeline value can see.
	return Timeline{events: append(slices.Clip(t.events), e)}
}

// Len is the number of events.
func (t Timeline) Len() int {
	return len(t.events)
}

// Events returns a copy of all events in insertion order.
func (t Timeline) Events() []Event {
	return slices.Clone(t.events)
}

// Recent returns up to n of the newest events, oldest first.
func (t Timeline) Recent(n int) []Event {
	if n <= 0 {
		return nil
	}
	start := max(len(t.events)-n, 0)
	return slices.Clone(t.events[start:])
}

// Last returns the newest event.
func (t Timeline) Last() (Event, bool) {
	if len(t.events) == 0 {
		return Event{}, false
	}
	return t.events[len(t.events)-1], true
}

// Since returns events with Seq greater than seq.
func (t Timeline) Since(seq uint64) []Event {
	if seq >= uint64(len(t.events)) {
		return nil
	}
	return slices.Clone(t.events[seq:])
}

// MarshalJSON renders the timeline as a JSON array.
func (t Timeline) MarshalJSON() ([]byte, error) {
	if t.events == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.events)
}
