package transaction

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/agentbattle/internal/idgen"
	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/timeline"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// CreateParams describes a new transaction.
type CreateParams struct {
	Amount        *big.Int
	Description   string
	Deadline      time.Duration
	DisputeWindow time.Duration
}

// Create opens a new transaction. It fails while another one is active.
func Create(w World, actor protocol.Role, p CreateParams) (World, error) {
	const op = "create"
	from := protocol.StateNone
	if w.Active() {
		return w, reject(op, w.State(), protocol.StateInitiated, actor, ErrActiveTransaction)
	}
	if !Permits(from, protocol.StateInitiated, actor) {
		return w, reject(op, from, protocol.StateInitiated, actor, ErrWrongActor)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return w, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		return w, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if p.Deadline <= 0 || p.DisputeWindow <= 0 {
		return w, fmt.Errorf("%w: deadline and dispute window must be positive", ErrInvalidInput)
	}

	next := w
	next.Created++
	next.Tx = &Transaction{
		ID: idgen.Hash("transaction",
			w.Ledger.Requester.Address.Hex(), w.Ledger.Provider.Address.Hex(),
			usdc.Format(p.Amount), desc, w.Clock.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(next.Created, 10)),
		Amount:        usdc.Clone(p.Amount),
		Description:   desc,
		Deadline:      p.Deadline,
		DisputeWindow: p.DisputeWindow,
		State:         protocol.StateInitiated,
		CreatedAt:     w.Clock,
		UpdatedAt:     w.Clock,
	}
	next.Negotiation = nil
	next.TokenApproved = false
	return next.record(actor, "Transaction created",
		fmt.Sprintf("%s requested %q for %s USDC", actor.Title(), desc, usdc.Compact(p.Amount)),
		from, protocol.StateInitiated, "createTransaction"), nil
}

// Quote opens negotiation with the provider's initial offer. A nil amount
// quotes the transaction amount; maxRounds of 0 uses the default.
func Quote(w World, actor protocol.Role, amount *big.Int, maxRounds int) (World, error) {
	const op = "quote"
	if err := w.permit(op, protocol.StateQuoted, actor); err != nil {
		return w, err
	}
	if w.State() != protocol.StateInitiated {
		return w, reject(op, w.State(), protocol.StateQuoted, actor, ErrInvalidTransition)
	}
	if amount == nil {
		amount = w.Tx.Amount
	}
	neg, err := negotiation.Open(actor, amount, maxRounds, w.Clock, w.Tx.ID)
	if err != nil {
		return w, inputOrReject(op, w.State(), protocol.StateQuoted, actor, err)
	}

	next := w.advance(protocol.StateQuoted)
	next.Negotiation = neg
	return next.record(actor, "Quote submitted",
		fmt.Sprintf("%s quoted %s USDC, up to %d counter-offer rounds", actor.Title(), usdc.Compact(amount), neg.MaxRounds),
		protocol.StateInitiated, protocol.StateQuoted, ""), nil
}

// Counter records a counter-offer from the party whose turn it is.
func Counter(w World, actor protocol.Role, amount *big.Int) (World, error) {
	const op = "counter"
	if err := w.permit(op, protocol.StateQuoted, actor); err != nil {
		return w, err
	}
	neg, err := w.Negotiation.Counter(actor, amount, w.Clock, w.Tx.ID)
	if err != nil {
		return w, inputOrReject(op, w.State(), protocol.StateQuoted, actor, err)
	}

	next := w.advance(protocol.StateQuoted)
	next.Negotiation = neg
	return next.record(actor, "Counter-offer",
		fmt.Sprintf("%s countered with %s USDC (round %d of %d)", actor.Title(), usdc.Compact(amount), neg.CurrentRound, neg.MaxRounds),
		protocol.StateQuoted, protocol.StateQuoted, ""), nil
}

// Accept takes the current offer. The requester's funds are locked at the
// agreed amount regardless of which party accepts.
func Accept(w World, actor protocol.Role) (World, error) {
	const op = "accept"
	if err := w.permit(op, protocol.StateCommitted, actor); err != nil {
		return w, err
	}
	if w.State() != protocol.StateQuoted {
		return w, reject(op, w.State(), protocol.StateCommitted, actor, ErrInvalidTransition)
	}
	neg, offer, err := w.Negotiation.Accept(actor)
	if err != nil {
		return w, reject(op, w.State(), protocol.StateCommitted, actor, err)
	}
	ledger, err := w.Ledger.Lock(protocol.RoleRequester, offer.Amount)
	if err != nil {
		return w, reject(op, w.State(), protocol.StateCommitted, actor, err)
	}

	next := w.advance(protocol.StateCommitted)
	next.Tx.Amount = usdc.Clone(offer.Amount)
	next.Tx.EscrowLinked = true
	next.Ledger = ledger
	next.Negotiation = neg
	return next.record(actor, "Quote accepted",
		fmt.Sprintf("%s accepted %s USDC after %d counter-offers; funds locked in escrow", actor.Title(), usdc.Compact(offer.Amount), neg.CurrentRound),
		protocol.StateQuoted, protocol.StateCommitted, "linkEscrow"), nil
}

// Approve records the requester's token spend approval, the first half of
// approve-then-link.
func Approve(w World, actor protocol.Role) (World, error) {
	const op = "approve"
	if w.Tx == nil {
		return w, reject(op, protocol.StateNone, protocol.StateNone, actor, ErrNoTransaction)
	}
	if actor != protocol.RoleRequester {
		return w, reject(op, w.State(), w.State(), actor, ErrWrongActor)
	}
	if w.State() != protocol.StateInitiated {
		return w, reject(op, w.State(), w.State(), actor, ErrInvalidTransition)
	}
	if w.TokenApproved {
		return w, reject(op, w.State(), w.State(), actor, ErrAlreadyApproved)
	}

	next := w
	next.TokenApproved = true
	return next.record(actor, "USDC approved",
		fmt.Sprintf("%s approved the escrow contract to spend %s USDC", actor.Title(), usdc.Compact(w.Tx.Amount)),
		protocol.StateNone, protocol.StateNone, "approve"), nil
}

// Link commits the transaction directly from INITIATED. approved stands in
// for an approval made outside the simulator.
func Link(w World, actor protocol.Role, approved bool) (World, error) {
	const op = "link"
	if err := w.permit(op, protocol.StateCommitted, actor); err != nil {
		return w, err
	}
	if w.State() != protocol.StateInitiated {
		return w, reject(op, w.State(), protocol.StateCommitted, actor, ErrInvalidTransition)
	}
	if !approved && !w.TokenApproved {
		return w, reject(op, w.State(), protocol.StateCommitted, actor, ErrEscrowNotApproved)
	}
	ledger, err := w.Ledger.Lock(protocol.RoleRequester, w.Tx.Amount)
	if err != nil {
		return w, reject(op, w.State(), protocol.StateCommitted, actor, err)
	}

	next := w.advance(protocol.StateCommitted)
	next.Tx.EscrowLinked = true
	next.Ledger = ledger
	next.TokenApproved = false
	return next.record(actor, "Escrow linked",
		fmt.Sprintf("%s locked %s USDC in escrow", actor.Title(), usdc.Compact(w.Tx.Amount)),
		protocol.StateInitiated, protocol.StateCommitted, "linkEscrow"), nil
}

// Start marks work as begun.
func Start(w World, actor protocol.Role) (World, error) {
	if err := w.permit("start", protocol.StateInProgress, actor); err != nil {
		return w, err
	}
	next := w.advance(protocol.StateInProgress)
	return next.record(actor, "Work started",
		fmt.Sprintf("%s started work on %q", actor.Title(), w.Tx.Description),
		protocol.StateCommitted, protocol.StateInProgress, ""), nil
}

// Deliver attaches the delivery proof and opens the dispute window.
func Deliver(w World, actor protocol.Role, proof string) (World, error) {
	const op = "deliver"
	if err := w.permit(op, protocol.StateDelivered, actor); err != nil {
		return w, err
	}
	proof = strings.TrimSpace(proof)
	if proof == "" {
		return w, fmt.Errorf("%w: proof reference is required", ErrInvalidInput)
	}

	from := w.State()
	next := w.advance(protocol.StateDelivered)
	next.Tx.DeliveryProof = proof
	next.Tx.DeliveredAt = w.Clock
	next.Tx.DisputeDeadline = w.Clock.Add(w.Tx.DisputeWindow)
	return next.record(actor, "Work delivered",
		fmt.Sprintf("%s delivered (proof %s); dispute window open until %s",
			actor.Title(), proof, next.Tx.DisputeDeadline.UTC().Format(time.RFC3339)),
		from, protocol.StateDelivered, "transitionState"), nil
}

// Release pays the full escrow to the provider.
func Release(w World, actor protocol.Role) (World, error) {
	const op = "release"
	if err := w.permit(op, protocol.StateSettled, actor); err != nil {
		return w, err
	}
	if w.State() != protocol.StateDelivered {
		return w, reject(op, w.State(), protocol.StateSettled, actor, ErrInvalidTransition)
	}
	ledger, err := w.Ledger.Release(w.Tx.Amount, protocol.RoleProvider)
	if err != nil {
		return w, reject(op, w.State(), protocol.StateSettled, actor, err)
	}

	next := w.advance(protocol.StateSettled)
	next.Ledger = ledger
	return next.record(actor, "Escrow released",
		fmt.Sprintf("%s released %s USDC to the provider", actor.Title(), usdc.Compact(w.Tx.Amount)),
		protocol.StateDelivered, protocol.StateSettled, "releaseEscrow"), nil
}

// RaiseDispute freezes settlement pending resolution. It is only possible
// before the dispute window closes.
func RaiseDispute(w World, actor protocol.Role, reason, evidence string) (World, error) {
	const op = "dispute"
	if err := w.permit(op, protocol.StateDisputed, actor); err != nil {
		return w, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return w, fmt.Errorf("%w: dispute reason is required", ErrInvalidInput)
	}
	if w.Clock.After(w.Tx.DisputeDeadline) {
		return w, reject(op, w.State(), protocol.StateDisputed, actor, ErrDisputeWindowClosed)
	}

	next := w.advance(protocol.StateDisputed)
	next.Tx.DisputeReason = reason
	next.Tx.DisputeEvidence = strings.TrimSpace(evidence)
	return next.record(actor, "Dispute raised",
		fmt.Sprintf("%s disputed the delivery: %s", actor.Title(), reason),
		protocol.StateDelivered, protocol.StateDisputed, "raiseDispute"), nil
}

// Settlement is a dispute outcome computed outside this package.
type Settlement struct {
	Resolution     string
	RequesterShare *big.Int
	ProviderShare  *big.Int
}

// SettleDispute applies a dispute outcome. Only the system may settle a
// dispute.
func SettleDispute(w World, actor protocol.Role, s Settlement) (World, error) {
	const op = "resolve"
	if err := w.permit(op, protocol.StateSettled, actor); err != nil {
		return w, err
	}
	if w.State() != protocol.StateDisputed {
		return w, reject(op, w.State(), protocol.StateSettled, actor, ErrInvalidTransition)
	}
	ledger, err := w.Ledger.Split(w.Tx.Amount, s.RequesterShare, s.ProviderShare)
	if err != nil {
		return w, reject(op, w.State(), protocol.StateSettled, actor, err)
	}

	next := w.advance(protocol.StateSettled)
	next.Tx.Resolution = s.Resolution
	next.Ledger = ledger
	return next.record(actor, "Dispute resolved",
		fmt.Sprintf("Resolved as %s: requester receives %s USDC, provider receives %s USDC (reason: %s)",
			s.Resolution, usdc.Compact(s.RequesterShare), usdc.Compact(s.ProviderShare), w.Tx.DisputeReason),
		protocol.StateDisputed, protocol.StateSettled, "resolveDispute"), nil
}

// Cancel abandons the transaction, refunding escrow if it was linked.
func Cancel(w World, actor protocol.Role) (World, error) {
	const op = "cancel"
	if err := w.permit(op, protocol.StateCancelled, actor); err != nil {
		return w, err
	}

	from := w.State()
	next := w.advance(protocol.StateCancelled)
	next.Negotiation = w.Negotiation.Close()
	next.TokenApproved = false
	desc := fmt.Sprintf("%s cancelled the transaction; no funds were locked", actor.Title())
	hashKind := ""
	if w.Tx.EscrowLinked {
		ledger, err := w.Ledger.Refund(w.Tx.Amount, protocol.RoleRequester)
		if err != nil {
			return w, reject(op, from, protocol.StateCancelled, actor, err)
		}
		next.Ledger = ledger
		desc = fmt.Sprintf("%s cancelled the transaction; %s USDC refunded from escrow", actor.Title(), usdc.Compact(w.Tx.Amount))
		hashKind = "refund"
	}
	return next.record(actor, "Transaction cancelled", desc, from, protocol.StateCancelled, hashKind), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// permit checks that a transaction exists and the table allows actor to move
// it to target.
func (w World) permit(op string, target protocol.State, actor protocol.Role) error {
	if w.Tx == nil {
		return reject(op, protocol.StateNone, target, actor, ErrNoTransaction)
	}
	from := w.Tx.State
	if from.IsTerminal() {
		return reject(op, from, target, actor, ErrTerminal)
	}
	t, ok := Lookup(from, target)
	if !ok {
		return reject(op, from, target, actor, ErrInvalidTransition)
	}
	if !Permits(t.From, t.To, actor) {
		return reject(op, from, target, actor, ErrWrongActor)
	}
	return nil
}

// advance copies the transaction into next with the new state.
func (w World) advance(to protocol.State) World {
	tx := *w.Tx
	tx.State = to
	tx.UpdatedAt = w.Clock
	w.Tx = &tx
	return w
}

// record appends a timeline event. hashKind names the simulated on-chain
// call; empty means the step has none.
func (w World) record(actor protocol.Role, title, desc string, from, to protocol.State, hashKind string) World {
	e := timeline.Event{
		Actor:       actor,
		Title:       title,
		Description: desc,
		FromState:   from,
		ToState:     to,
		Timestamp:   w.Clock,
	}
	if hashKind != "" && w.Tx != nil {
		e.TxHash = idgen.TxHash(w.Tx.ID, uint64(w.Timeline.Len())+1, hashKind)
	}
	w.Timeline = w.Timeline.Append(e)
	return w
}

func reject(op string, from, to protocol.State, actor protocol.Role, err error) error {
	return &TransitionError{Op: op, From: from, To: to, Actor: actor, Err: err}
}

// inputOrReject keeps malformed amounts out of the transition-error class.
func inputOrReject(op string, from, to protocol.State, actor protocol.Role, err error) error {
	if errors.Is(err, negotiation.ErrInvalidAmount) || errors.Is(err, negotiation.ErrInvalidMaxRounds) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return reject(op, from, to, actor, err)
}
