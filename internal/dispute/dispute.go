// Package dispute computes and applies the arbitration outcome for a
// disputed transaction.
package dispute

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/transaction"
)

var (
	ErrUnknownResolution = errors.New("unknown dispute resolution")
	errNegative          = errors.New("disputed amount is negative")
)

// Resolution is an arbitration outcome.
type Resolution int

const (
	ResolutionUnknown Resolution = iota
	RefundRequester
	Split
	ReleaseToProvider
)

// Resolutions lists the valid outcomes.
var Resolutions = []Resolution{RefundRequester, Split, ReleaseToProvider}

func (r Resolution) String() string {
	switch r {
	case RefundRequester:
		return "refund_requester"
	case Split:
		return "split"
	case ReleaseToProvider:
		return "release_to_provider"
	}
	return "unknown"
}

// Parse accepts the snake_case names, plus "refund" and "release" as short
// forms.
func Parse(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "refund_requester", "refund":
		return RefundRequester, nil
	case "split":
		return Split, nil
	case "release_to_provider", "release":
		return ReleaseToProvider, nil
	}
	return ResolutionUnknown, fmt.Errorf("%w: %q", ErrUnknownResolution, s)
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Compute divides amount according to r. For Split an odd micro-unit goes
// to the requester so the shares always sum to amount.
func Compute(amount *big.Int, r Resolution) (requesterShare, providerShare *big.Int, err error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, errNegative
	}
	switch r {
	case RefundRequester:
		return new(big.Int).Set(amount), new(big.Int), nil
	case ReleaseToProvider:
		return new(big.Int), new(big.Int).Set(amount), nil
	case Split:
		providerShare = new(big.Int).Rsh(amount, 1)
		requesterShare = new(big.Int).Sub(amount, providerShare)
		return requesterShare, providerShare, nil
	}
	return nil, nil, ErrUnknownResolution
}

// Resolve settles a DISPUTED transaction. actor must be the system.
func Resolve(w transaction.World, actor protocol.Role, r Resolution) (transaction.World, error) {
	if w.State() != protocol.StateDisputed || actor != protocol.RoleSystem {
		// Rejected by the state machine before any split is applied.
		return transaction.SettleDispute(w, actor, transaction.Settlement{})
	}
	req, prov, err := Compute(w.Tx.Amount, r)
	if err != nil {
		return w, fmt.Errorf("%w: %w", transaction.ErrInvalidInput, err)
	}
	return transaction.SettleDispute(w, actor, transaction.Settlement{
		Resolution:     r.String(),
		RequesterShare: req,
		ProviderShare:  prov,
	})
}
