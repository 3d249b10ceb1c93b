// Package negotiation runs the bounded offer/counter-offer loop that happens
// while a transaction is quoted.
//
// Flow:
//  1. Provider opens with an initial offer (round 0); requester responds next
//  2. Whoever's turn it is may counter (round +1) or accept
//  3. Counters stop at MaxRounds; only accept (or cancelling the transaction)
//     remains
//
// A State is never modified after it is returned. Counter, Accept and Close
// return a new State.
package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"time"

	"github.com/mbd888/agentbattle/internal/idgen"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

var (
	ErrNotActive        = errors.New("negotiation is not active")
	ErrNotYourTurn      = errors.New("not this party's turn")
	ErrMaxCounterRounds = errors.New("maximum counter-offer rounds reached")
	ErrInvalidAmount    = errors.New("offer amount must be positive")
	ErrInvalidMaxRounds = errors.New("max rounds out of range")
	ErrUnauthorized     = errors.New("only the provider may open with a quote")
	ErrDesync           = errors.New("negotiation round counter out of sync")
)

// Round limits.
const (
	MinRounds        = 1
	MaxRoundsLimit   = 5
	DefaultMaxRounds = 3
)

// OfferType distinguishes the opening quote from counters.
type OfferType int

const (
	OfferInitial OfferType = iota
	OfferCounter
)

func (t OfferType) String() string {
	if t == OfferCounter {
		return "counter"
	}
	return "initial"
}

func (t OfferType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Offer is one price proposal.
type Offer struct {
	ID        string
	Amount    *big.Int
	From      protocol.Role
	Timestamp time.Time
	Round     int
	Type      OfferType
}

func (o Offer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string        `json:"id"`
		Amount    string        `json:"amount"`
		From      protocol.Role `json:"from"`
		Timestamp time.Time     `json:"timestamp"`
		Round     int           `json:"round"`
		Type      OfferType     `json:"type"`
	}{o.ID, usdc.Format(o.Amount), o.From, o.Timestamp, o.Round, o.Type})
}

// State is the negotiation attached to a quoted transaction.
type State struct {
	CurrentRound int           `json:"currentRound"`
	MaxRounds    int           `json:"maxRounds"`
	History      []Offer       `json:"history"`
	CurrentOffer *Offer        `json:"currentOffer"`
	WhoseTurn    protocol.Role `json:"whoseTurn"`
	IsActive     bool          `json:"isActive"`
}

// Open starts a negotiation with the provider's initial quote. ref scopes
// offer ids, normally the transaction id. maxRounds of 0 means the default.
// The opening quote is round 0: CurrentRound counts counter-offers.
func Open(from protocol.Role, amount *big.Int, maxRounds int, at time.Time, ref string) (*State, error) {
	if from != protocol.RoleProvider {
		return nil, ErrUnauthorized
	}
	if maxRounds == 0 {
		maxRounds = DefaultMaxRounds
	}
	if maxRounds < MinRounds || maxRounds > MaxRoundsLimit {
		return nil, fmt.Errorf("%w: %d (allowed %d..%d)", ErrInvalidMaxRounds, maxRounds, MinRounds, MaxRoundsLimit)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	offer := newOffer(ref, 0, OfferInitial, from, amount, at)
	return &State{
		CurrentRound: 0,
		MaxRounds:    maxRounds,
		History:      []Offer{offer},
		CurrentOffer: &offer,
		WhoseTurn:    from.Counterparty(),
		IsActive:     true,
	}, nil
}

// CanCounter reports why actor could not counter right now, or nil.
func (s *State) CanCounter(actor protocol.Role) error {
	if s == nil || !s.IsActive {
		return ErrNotActive
	}
	if actor != s.WhoseTurn {
		return ErrNotYourTurn
	}
	if s.CurrentRound >= s.MaxRounds {
		return ErrMaxCounterRounds
	}
	return nil
}

// Counter appends a counter-offer from actor. The amount may move in either
// direction.
func (s *State) Counter(actor protocol.Role, amount *big.Int, at time.Time, ref string) (*State, error) {
	if err := s.CanCounter(actor); err != nil {
		return s, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return s, ErrInvalidAmount
	}

	next := s.clone()
	next.CurrentRound++
	offer := newOffer(ref, next.CurrentRound, OfferCounter, actor, amount, at)
	next.History = append(next.History, offer)
	next.CurrentOffer = &offer
	next.WhoseTurn = actor.Counterparty()
	return next, nil
}

// Accept ends the negotiation on the current offer. Only the party whose
// turn it is may accept; accepting one's own offer is impossible by
// construction.
func (s *State) Accept(actor protocol.Role) (*State, Offer, error) {
	if s == nil || !s.IsActive {
		return s, Offer{}, ErrNotActive
	}
	if actor != s.WhoseTurn {
		return s, Offer{}, ErrNotYourTurn
	}
	next := s.clone()
	next.IsActive = false
	return next, *next.CurrentOffer, nil
}

// Close deactivates the negotiation without agreement.
func (s *State) Close() *State {
	if s == nil || !s.IsActive {
		return s
	}
	next := s.clone()
	next.IsActive = false
	return next
}

// RoundsLeft is how many counters may still be made.
func (s *State) RoundsLeft() int {
	if s == nil || !s.IsActive {
		return 0
	}
	return s.MaxRounds - s.CurrentRound
}

// Check verifies the internal bookkeeping. A failure is a programming
// defect, never a protocol violation.
func (s *State) Check() error {
	if s == nil {
		return nil
	}
	switch {
	case s.CurrentRound < 0 || s.CurrentRound > s.MaxRounds:
		return fmt.Errorf("%w: round %d of %d", ErrDesync, s.CurrentRound, s.MaxRounds)
	case len(s.History) != s.CurrentRound+1:
		return fmt.Errorf("%w: %d offers for round %d", ErrDesync, len(s.History), s.CurrentRound)
	case s.CurrentOffer == nil || s.CurrentOffer.ID != s.History[len(s.History)-1].ID:
		return fmt.Errorf("%w: current offer is not the latest", ErrDesync)
	case s.WhoseTurn != s.CurrentOffer.From.Counterparty():
		return fmt.Errorf("%w: turn did not alternate", ErrDesync)
	}
	return nil
}

func (s *State) clone() *State {
	next := *s
	next.History = slices.Clone(s.History)
	if s.CurrentOffer != nil {
		cur := *s.CurrentOffer
		next.CurrentOffer = &cur
	}
	return &next
}

func newOffer(ref string, round int, typ OfferType, from protocol.Role, amount *big.Int, at time.Time) Offer {
	return Offer{
		ID:        idgen.Name("offer", ref, strconv.Itoa(round)),
		Amount:    usdc.Clone(amount),
		From:      from,
		Timestamp: at,
		Round:     round,
		Type:      typ,
	}
}
