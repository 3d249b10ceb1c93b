// Package transaction is the lifecycle state machine for the single
// transaction a battle session drives.
//
// Flow:
//  1. Requester creates → INITIATED
//  2. Provider quotes (optional) → QUOTED, parties counter or accept
//  3. Requester links escrow, or a party accepts the quote → COMMITTED, funds locked
//  4. Provider starts and delivers → IN_PROGRESS → DELIVERED
//  5. Requester releases → SETTLED, or a party disputes → DISPUTED and the
//     system resolves → SETTLED
//  6. Requester may cancel up to COMMITTED → CANCELLED, refunded if locked
//
// Every step takes a World and returns a new one. On error the returned World
// is the input, unchanged.
package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/timeline"
	"github.com/mbd888/agentbattle/internal/usdc"
	"github.com/mbd888/agentbattle/internal/wallet"
)

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNoTransaction       = errors.New("no transaction")
	ErrActiveTransaction   = errors.New("a transaction is already active")
	ErrTerminal            = errors.New("transaction already finished")
	ErrWrongActor          = errors.New("actor may not perform this transition")
	ErrEscrowNotApproved   = errors.New("token spend not approved")
	ErrAlreadyApproved     = errors.New("token spend already approved")
	ErrDisputeWindowClosed = errors.New("dispute window has closed")
)

// TransitionError is a rejected lifecycle step. It matches
// ErrInvalidTransition with errors.Is and unwraps to the specific cause.
type TransitionError struct {
	Op    string
	From  protocol.State
	To    protocol.State
	Actor protocol.Role
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s by %s: %v", e.Op, e.From, e.To, e.Actor, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// -----------------------------------------------------------------------------
// Transition table
// -----------------------------------------------------------------------------

// Transition is one legal edge of the lifecycle.
type Transition struct {
	From   protocol.State
	To     protocol.State
	Actors []protocol.Role
}

var (
	requesterOnly = []protocol.Role{protocol.RoleRequester}
	providerOnly  = []protocol.Role{protocol.RoleProvider}
	eitherParty   = []protocol.Role{protocol.RoleRequester, protocol.RoleProvider}
	systemOnly    = []protocol.Role{protocol.RoleSystem}
)

// Table lists every legal transition. StateNone stands for "no transaction,
// or the previous one is finished".
var Table = []Transition{
	{protocol.StateNone, protocol.StateInitiated, requesterOnly},
	{protocol.StateInitiated, protocol.StateQuoted, providerOnly},
	{protocol.StateInitiated, protocol.StateCommitted, requesterOnly},
	{protocol.StateQuoted, protocol.StateCommitted, eitherParty}, // turn decided by negotiation
	{protocol.StateQuoted, protocol.StateQuoted, eitherParty},
	{protocol.StateCommitted, protocol.StateInProgress, providerOnly},
	{protocol.StateCommitted, protocol.StateDelivered, providerOnly},
	{protocol.StateInProgress, protocol.StateDelivered, providerOnly},
	{protocol.StateDelivered, protocol.StateSettled, requesterOnly},
	{protocol.StateDelivered, protocol.StateDisputed, eitherParty},
	{protocol.StateDisputed, protocol.StateSettled, systemOnly},
	{protocol.StateInitiated, protocol.StateCancelled, requesterOnly},
	{protocol.StateQuoted, protocol.StateCancelled, requesterOnly},
	{protocol.StateCommitted, protocol.StateCancelled, requesterOnly},
}

// Lookup returns the table entry for from -> to.
func Lookup(from, to protocol.State) (Transition, bool) {
	for _, t := range Table {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// Permits reports whether actor may move a transaction from -> to.
func Permits(from, to protocol.State, actor protocol.Role) bool {
	t, ok := Lookup(from, to)
	return ok && slices.Contains(t.Actors, actor)
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Transaction is the record driven through the lifecycle.
type Transaction struct {
	ID              string
	Amount          *big.Int
	Description     string
	Deadline        time.Duration
	DisputeWindow   time.Duration
	State           protocol.State
	EscrowLinked    bool
	DisputeReason   string
	DisputeEvidence string
	DeliveryProof   string
	Resolution      string
	CreatedAt       time.Time
	DeliveredAt     time.Time
	DisputeDeadline time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether the transaction is settled or cancelled.
func (t *Transaction) IsTerminal() bool {
	return t != nil && t.State.IsTerminal()
}

// MarshalJSON renders amounts as decimal strings and durations in seconds.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type out struct {
		ID              string         `json:"id"`
		Amount          string         `json:"amount"`
		Description     string         `json:"description"`
		DeadlineSeconds int64          `json:"deadline"`
		DisputeSeconds  int64          `json:"disputeWindow"`
		State           protocol.State `json:"state"`
		EscrowLinked    bool           `json:"escrowLinked"`
		DisputeReason   string         `json:"disputeReason,omitempty"`
		DisputeEvidence string         `json:"disputeEvidence,omitempty"`
		DeliveryProof   string         `json:"deliveryProof,omitempty"`
		Resolution      string         `json:"resolution,omitempty"`
		CreatedAt       time.Time      `json:"createdAt"`
		DeliveredAt     *time.Time     `json:"deliveredAt,omitempty"`
		DisputeDeadline *time.Time     `json:"disputeDeadline,omitempty"`
		UpdatedAt       time.Time      `json:"updatedAt"`
	}
	o := out{
		ID:              t.ID,
		Amount:          usdc.Format(t.Amount),
		Description:     t.Description,
		DeadlineSeconds: int64(t.Deadline / time.Second),
		DisputeSeconds:  int64(t.DisputeWindow / time.Second),
		State:           t.State,
		EscrowLinked:    t.EscrowLinked,
		DisputeReason:   t.DisputeReason,
		DisputeEvidence: t.DisputeEvidence,
		DeliveryProof:   t.DeliveryProof,
		Resolution:      t.Resolution,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if !t.DeliveredAt.IsZero() {
		o.DeliveredAt = &t.DeliveredAt
		o.DisputeDeadline = &t.DisputeDeadline
	}
	return json.Marshal(o)
}

// World is everything a lifecycle step reads and writes.
type World struct {
	Tx            *Transaction
	Ledger        wallet.Ledger
	Timeline      timeline.Timeline
	Negotiation   *negotiation.State
	TokenApproved bool
	Clock         time.Time
	Created       uint64 // transactions created so far
}

// State is the current lifecycle state, StateNone when there is no
// transaction.
func (w World) State() protocol.State {
	if w.Tx == nil {
		return protocol.StateNone
	}
	return w.Tx.State
}

// Active reports whether a non-terminal transaction exists.
func (w World) Active() bool {
	return w.Tx != nil && !w.Tx.IsTerminal()
}

// Equal reports whether two worlds hold the same transaction record,
// balances and timeline length.
func (w World) Equal(o World) bool {
	if (w.Tx == nil) != (o.Tx == nil) {
		return false
	}
	if w.Tx != nil {
		a, b := *w.Tx, *o.Tx
		if usdc.Clone(a.Amount).Cmp(usdc.Clone(b.Amount)) != 0 {
			return false
		}
		a.Amount, b.Amount = nil, nil
		if a != b {
			return false
		}
	}
	return w.Ledger.Equal(o.Ledger) &&
		w.Timeline.Len() == o.Timeline.Len() &&
		w.TokenApproved == o.TokenApproved &&
		w.Negotiation == o.Negotiation
}

// Check verifies the cross-component invariants: value conservation,
// negotiation bookkeeping, and that escrow holds exactly the committed
// amount while a committed transaction is open.
func (w World) Check() error {
	if err := w.Ledger.CheckConservation(); err != nil {
		return err
	}
	if err := w.Negotiation.Check(); err != nil {
		return err
	}
	want := new(big.Int)
	if w.Tx != nil && w.Tx.EscrowLinked && !w.Tx.IsTerminal() {
		want = w.Tx.Amount
	}
	if w.Ledger.Escrow.Cmp(want) != 0 {
		return fmt.Errorf("%w: escrow holds %s, expected %s",
			wallet.ErrConservation, usdc.Format(w.Ledger.Escrow), usdc.Format(want))
	}
	return nil
}
