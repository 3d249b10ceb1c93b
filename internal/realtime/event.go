package realtime

import (
	"net/http"
	"slices"
	"time"
)

// EventType names what a pushed frame carries.
type EventType string

const (
	// EventUpdate carries every applied intent with the resulting snapshot.
	EventUpdate EventType = "update"
	// EventTransition is sent once per state change, after its update.
	EventTransition EventType = "transition"
	// EventReset is sent when a session is reset to its initial state.
	EventReset EventType = "reset"
)

// Event is one frame on the stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription selects the frames a connection receives. A client replaces
// its subscription by sending a new one as a JSON text frame.
type Subscription struct {
	AllSessions bool        `json:"allSessions"`
	Sessions    []string    `json:"sessions"`
	EventTypes  []EventType `json:"eventTypes"`
}

// Matches reports whether e passes the type and session filters. An empty
// EventTypes list admits every type; an empty Sessions list admits nothing
// unless AllSessions is set.
func (s Subscription) Matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	return s.AllSessions || slices.Contains(s.Sessions, e.SessionID)
}

// subscriptionFromQuery reads repeated ?session= parameters. With none the
// connection follows every session.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{Sessions: q["session"]}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	sub.AllSessions = len(sub.Sessions) == 0
	return sub
}
