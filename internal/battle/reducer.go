package battle

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentbattle/internal/dispute"
	"github.com/mbd888/agentbattle/internal/transaction"
)

// Re-exported so callers can classify Reduce errors without importing the
// state machine.
var (
	ErrInvalidTransition = transaction.ErrInvalidTransition
	ErrInvalidInput      = transaction.ErrInvalidInput
)

// Rejection is an intent refused for an ordinary protocol reason: wrong
// actor, wrong state, round limit, malformed input. The snapshot returned
// alongside it is the unchanged input.
type Rejection struct {
	Intent Kind
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected: %s", r.Intent, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// InvalidInput reports whether the rejection was caused by malformed input
// rather than protocol order.
func (r *Rejection) InvalidInput() bool {
	return errors.Is(r.Err, ErrInvalidInput)
}

// InvariantError means an intent would have produced an inconsistent
// snapshot. It indicates a defect; the intent is discarded.
type InvariantError struct {
	Intent Kind
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated applying %s: %v", e.Intent, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Reduce applies one intent. On success it returns the next snapshot. On
// failure it returns s unchanged with a *Rejection or an *InvariantError.
// Reduce never panics across its boundary.
func Reduce(s Snapshot, in Intent) (next Snapshot, err error) {
	if in == nil {
		return s, &Rejection{Reason: "no intent", Err: ErrInvalidInput}
	}
	defer func() {
		if r := recover(); r != nil {
			next, err = s, &InvariantError{Intent: in.Kind(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	next = s
	w := s.World
	switch in := in.(type) {
	case CreateTransaction:
		deadline, window := in.Deadline, in.DisputeWindow
		if deadline == 0 {
			deadline = s.Config.DefaultDeadline
		}
		if window == 0 {
			window = s.Config.DefaultDisputeWindow
		}
		w, err = transaction.Create(w, in.By, transaction.CreateParams{
			Amount:        in.Amount,
			Description:   in.Description,
			Deadline:      deadline,
			DisputeWindow: window,
		})
	case Quote:
		rounds := in.MaxRounds
		if rounds == 0 {
			rounds = s.Config.DefaultMaxRounds
		}
		w, err = transaction.Quote(w, in.By, in.Amount, rounds)
	case CounterOffer:
		w, err = transaction.Counter(w, in.By, in.Amount)
	case AcceptQuote:
		w, err = transaction.Accept(w, in.By)
	case ApproveToken:
		w, err = transaction.Approve(w, in.By)
	case LinkEscrow:
		w, err = transaction.Link(w, in.By, in.Approved)
	case StartWork:
		w, err = transaction.Start(w, in.By)
	case Deliver:
		w, err = transaction.Deliver(w, in.By, in.ProofReference)
	case ReleaseEscrow:
		w, err = transaction.Release(w, in.By)
	case RaiseDispute:
		w, err = transaction.RaiseDispute(w, in.By, in.Reason, in.Evidence)
	case ResolveDispute:
		w, err = dispute.Resolve(w, in.By, in.Resolution)
	case Cancel:
		w, err = transaction.Cancel(w, in.By)
	case AdvanceClock:
		if in.Duration <= 0 {
			err = fmt.Errorf("%w: clock can only move forward", ErrInvalidInput)
			break
		}
		w.Clock = w.Clock.Add(in.Duration)
	case SetSimulating:
		next.IsSimulating = in.Active
	case Reset:
		return New(s.Config), nil
	default:
		err = fmt.Errorf("%w: %w %T", ErrInvalidInput, ErrUnknownIntent, in)
	}
	if err != nil {
		return s, &Rejection{Intent: in.Kind(), Reason: err.Error(), Err: err}
	}

	next.World = w
	if cerr := next.Check(); cerr != nil {
		return s, &InvariantError{Intent: in.Kind(), Err: cerr}
	}
	next.Version++
	return next, nil
}

// Apply runs intents in order and stops at the first failure, returning the
// last good snapshot and the index of the failing intent.
func Apply(s Snapshot, intents ...Intent) (Snapshot, int, error) {
	for i, in := range intents {
		next, err := Reduce(s, in)
		if err != nil {
			return s, i, err
		}
		s = next
	}
	return s, -1, nil
}

// Elapsed is simulated time since the transaction was created.
func (s Snapshot) Elapsed() time.Duration {
	if s.Tx == nil {
		return 0
	}
	return s.Clock.Sub(s.Tx.CreatedAt)
}
