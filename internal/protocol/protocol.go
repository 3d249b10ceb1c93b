// Package protocol defines the closed vocabularies shared by every part of
// the simulator: who can act, and which lifecycle state a transaction is in.
package protocol

import (
	"fmt"
	"strings"
)

// Role identifies a participant. The zero value is not a valid actor.
type Role int

const (
	RoleUnknown Role = iota
	RoleRequester
	RoleProvider
	RoleSystem // dispute resolution only
)

// Parties are the two roles that hold wallets.
var Parties = []Role{RoleRequester, RoleProvider}

func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "requester"
	case RoleProvider:
		return "provider"
	case RoleSystem:
		return "system"
	}
	return "unknown"
}

// Title is the display form used in timeline text ("Requester").
func (r Role) Title() string {
	s := r.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

// IsParty reports whether r is one of the two wallet-holding roles.
func (r Role) IsParty() bool {
	return r == RoleRequester || r == RoleProvider
}

// Counterparty returns the other party. System and unknown map to unknown.
func (r Role) Counterparty() Role {
	switch r {
	case RoleRequester:
		return RoleProvider
	case RoleProvider:
		return RoleRequester
	}
	return RoleUnknown
}

// ParseRole accepts the lower-case names, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "requester":
		return RoleRequester, nil
	case "provider":
		return RoleProvider, nil
	case "system":
		return RoleSystem, nil
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// State is a transaction lifecycle state. StateNone means no transaction.
type State int

const (
	StateNone State = iota
	StateInitiated
	StateQuoted
	StateCommitted
	StateInProgress
	StateDelivered
	StateDisputed
	StateSettled
	StateCancelled
)

// States lists every real lifecycle state in lifecycle order.
var States = []State{
	StateInitiated, StateQuoted, StateCommitted, StateInProgress,
	StateDelivered, StateDisputed, StateSettled, StateCancelled,
}

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInitiated:
		return "INITIATED"
	case StateQuoted:
		return "QUOTED"
	case StateCommitted:
		return "COMMITTED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateDelivered:
		return "DELIVERED"
	case StateDisputed:
		return "DISPUTED"
	case StateSettled:
		return "SETTLED"
	case StateCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == StateSettled || s == StateCancelled
}

// ParseState accepts the upper-case names, case-insensitively.
func ParseState(s string) (State, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range States {
		if st.String() == want {
			return st, nil
		}
	}
	if want == "NONE" || want == "" {
		return StateNone, nil
	}
	return StateNone, fmt.Errorf("unknown state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
