package battle

import (
	"math/big"
	"time"

	"github.com/mbd888/agentbattle/internal/dispute"
	"github.com/mbd888/agentbattle/internal/protocol"
)

// Kind names an intent on the wire.
type Kind string

const (
	KindCreateTransaction Kind = "CREATE_TRANSACTION"
	KindQuote             Kind = "QUOTE"
	KindCounterOffer      Kind = "COUNTER_OFFER"
	KindAcceptQuote       Kind = "ACCEPT_QUOTE"
	KindApproveToken      Kind = "APPROVE_TOKEN"
	KindLinkEscrow        Kind = "LINK_ESCROW"
	KindStartWork         Kind = "START_WORK"
	KindDeliver           Kind = "DELIVER"
	KindReleaseEscrow     Kind = "RELEASE_ESCROW"
	KindRaiseDispute      Kind = "RAISE_DISPUTE"
	KindResolveDispute    Kind = "RESOLVE_DISPUTE"
	KindCancel            Kind = "CANCEL"
	KindAdvanceClock      Kind = "ADVANCE_CLOCK"
	KindSetSimulating     Kind = "SET_SIMULATING"
	KindReset             Kind = "RESET"
)

// Kinds lists every intent kind.
var Kinds = []Kind{
	KindCreateTransaction, KindQuote, KindCounterOffer, KindAcceptQuote,
	KindApproveToken, KindLinkEscrow, KindStartWork, KindDeliver,
	KindReleaseEscrow, KindRaiseDispute, KindResolveDispute, KindCancel,
	KindAdvanceClock, KindSetSimulating, KindReset,
}

// Intent is a request to change the simulator. The set of implementations is
// closed; Reduce handles each one.
type Intent interface {
	Kind() Kind
	Actor() protocol.Role
	intent()
}

// CreateTransaction opens a new transaction. Zero durations use the
// session defaults.
type CreateTransaction struct {
	By            protocol.Role
	Amount        *big.Int
	Description   string
	Deadline      time.Duration
	DisputeWindow time.Duration
}

// Quote is the provider's opening offer. A nil Amount quotes the
// transaction amount; zero MaxRounds uses the session default.
type Quote struct {
	By        protocol.Role
	Amount    *big.Int
	MaxRounds int
}

type CounterOffer struct {
	By     protocol.Role
	Amount *big.Int
}

type AcceptQuote struct{ By protocol.Role }

type ApproveToken struct{ By protocol.Role }

// LinkEscrow commits from INITIATED. Approved reports an approval made
// outside the simulator; otherwise a prior APPROVE_TOKEN is required.
type LinkEscrow struct {
	By       protocol.Role
	Approved bool
}

type StartWork struct{ By protocol.Role }

type Deliver struct {
	By             protocol.Role
	ProofReference string
}

type ReleaseEscrow struct{ By protocol.Role }

type RaiseDispute struct {
	By       protocol.Role
	Reason   string
	Evidence string
}

type ResolveDispute struct {
	By         protocol.Role
	Resolution dispute.Resolution
}

type Cancel struct{ By protocol.Role }

// AdvanceClock moves simulated time forward.
type AdvanceClock struct{ Duration time.Duration }

// SetSimulating toggles the presentation-only "auto play" flag.
type SetSimulating struct{ Active bool }

// Reset restores the session's initial configuration.
type Reset struct{}

func (CreateTransaction) Kind() Kind { return KindCreateTransaction }
func (Quote) Kind() Kind             { return KindQuote }
func (CounterOffer) Kind() Kind      { return KindCounterOffer }
func (AcceptQuote) Kind() Kind       { return KindAcceptQuote }
func (ApproveToken) Kind() Kind      { return KindApproveToken }
func (LinkEscrow) Kind() Kind        { return KindLinkEscrow }
func (StartWork) Kind() Kind         { return KindStartWork }
func (Deliver) Kind() Kind           { return KindDeliver }
func (ReleaseEscrow) Kind() Kind     { return KindReleaseEscrow }
func (RaiseDispute) Kind() Kind      { return KindRaiseDispute }
func (ResolveDispute) Kind() Kind    { return KindResolveDispute }
func (Cancel) Kind() Kind            { return KindCancel }
func (AdvanceClock) Kind() Kind      { return KindAdvanceClock }
func (SetSimulating) Kind() Kind     { return KindSetSimulating }
func (Reset) Kind() Kind             { return KindReset }

func (i CreateTransaction) Actor() protocol.Role { return i.By }
func (i Quote) Actor() protocol.Role             { return i.By }
func (i CounterOffer) Actor() protocol.Role      { return i.By }
func (i AcceptQuote) Actor() protocol.Role       { return i.By }
func (i ApproveToken) Actor() protocol.Role      { return i.By }
func (i LinkEscrow) Actor() protocol.Role        { return i.By }
func (i StartWork) Actor() protocol.Role         { return i.By }
func (i Deliver) Actor() protocol.Role           { return i.By }
func (i ReleaseEscrow) Actor() protocol.Role     { return i.By }
func (i RaiseDispute) Actor() protocol.Role      { return i.By }
func (i ResolveDispute) Actor() protocol.Role    { return i.By }
func (i Cancel) Actor() protocol.Role            { return i.By }
func (AdvanceClock) Actor() protocol.Role        { return protocol.RoleSystem }
func (SetSimulating) Actor() protocol.Role       { return protocol.RoleSystem }
func (Reset) Actor() protocol.Role               { return protocol.RoleSystem }

func (CreateTransaction) intent() {}
func (Quote) intent()             {}
func (CounterOffer) intent()      {}
func (AcceptQuote) intent()       {}
func (ApproveToken) intent()      {}
func (LinkEscrow) intent()        {}
func (StartWork) intent()         {}
func (Deliver) intent()           {}
func (ReleaseEscrow) intent()     {}
func (RaiseDispute) intent()      {}
func (ResolveDispute) intent()    {}
func (Cancel) intent()            {}
func (AdvanceClock) intent()      {}
func (SetSimulating) intent()     {}
func (Reset) intent()             {}
