package battle

import (
	"math/big"

	"github.com/mbd888/agentbattle/internal/dispute"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// Action is an intent kind an actor could dispatch right now.
type Action struct {
	Type  Kind          `json:"type"`
	Actor protocol.Role `json:"actor"`
}

var candidateActors = []protocol.Role{protocol.RoleRequester, protocol.RoleProvider, protocol.RoleSystem}

// Available lists the protocol actions that would currently succeed, found
// by dry-running each one against s. Clock, simulation and reset intents are
// always accepted and are not listed.
func Available(s Snapshot) []Action {
	var out []Action
	for _, kind := range Kinds {
		for _, actor := range candidateActors {
			in := sampleIntent(s, kind, actor)
			if in == nil {
				continue
			}
			if _, err := Reduce(s, in); err == nil {
				out = append(out, Action{Type: kind, Actor: actor})
			}
		}
	}
	return out
}

// Waiting returns the actors that have at least one available action, in
// requester, provider, system order.
func Waiting(actions []Action) []protocol.Role {
	var out []protocol.Role
	for _, actor := range candidateActors {
		for _, a := range actions {
			if a.Actor == actor {
				out = append(out, actor)
				break
			}
		}
	}
	return out
}

// sampleIntent builds a well-formed sample intent so only order and actor decide
// the outcome.
func sampleIntent(s Snapshot, kind Kind, by protocol.Role) Intent {
	amount := usdc.MustParse("1")
	if s.Negotiation != nil && s.Negotiation.CurrentOffer != nil {
		amount = new(big.Int).Set(s.Negotiation.CurrentOffer.Amount)
	} else if s.Tx != nil {
		amount = new(big.Int).Set(s.Tx.Amount)
	}

	switch kind {
	case KindCreateTransaction:
		return CreateTransaction{By: by, Amount: amount, Description: "sample"}
	case KindQuote:
		return Quote{By: by}
	case KindCounterOffer:
		return CounterOffer{By: by, Amount: amount}
	case KindAcceptQuote:
		return AcceptQuote{By: by}
	case KindApproveToken:
		return ApproveToken{By: by}
	case KindLinkEscrow:
		return LinkEscrow{By: by}
	case KindStartWork:
		return StartWork{By: by}
	case KindDeliver:
		return Deliver{By: by, ProofReference: "sample"}
	case KindReleaseEscrow:
		return ReleaseEscrow{By: by}
	case KindRaiseDispute:
		return RaiseDispute{By: by, Reason: "sample"}
	case KindResolveDispute:
		return ResolveDispute{By: by, Resolution: dispute.Split}
	case KindCancel:
		return Cancel{By: by}
	}
	return nil
}
