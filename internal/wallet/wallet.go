// Package wallet models the two simulated party wallets and the escrow pool
// that sits between them.
//
// A Ledger is a value. Every operation returns a new Ledger and leaves the
// receiver untouched, so earlier snapshots stay valid. The sum of both
// stable balances and the escrow pool never changes.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAmount       = errors.New("wallet: invalid amount")
	ErrInvalidRole         = errors.New("wallet: role does not hold a wallet")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrInsufficientEscrow  = errors.New("wallet: escrow holds less than requested")
	ErrSplitMismatch       = errors.New("wallet: split shares do not sum to amount")
	ErrConservation        = errors.New("wallet: value not conserved")
)

// OpError wraps an escrow operation failure with the operation name.
type OpError struct {
	Op     string
	Role   protocol.Role
	Amount *big.Int
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("wallet: %s %s for %s: %v", e.Op, usdc.Compact(e.Amount), e.Role, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Wallet is one party's balances. Gas is in wei, Stable in micro-USDC.
type Wallet struct {
	Role    protocol.Role
	Address common.Address
	Gas     *big.Int
	Stable  *big.Int
}

// MarshalJSON renders balances as decimal strings.
func (w Wallet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role          protocol.Role `json:"role"`
		Address       string        `json:"address"`
		GasBalance    string        `json:"gasBalance"`
		StableBalance string        `json:"stableBalance"`
	}{
		Role:          w.Role,
		Address:       w.Address.Hex(),
		GasBalance:    usdc.CompactUnits(w.Gas, usdc.GasDecimals),
		StableBalance: usdc.Format(w.Stable),
	})
}

func (w Wallet) clone() Wallet {
	w.Gas = usdc.Clone(w.Gas)
	w.Stable = usdc.Clone(w.Stable)
	return w
}

// Balances are the starting balances for a new Ledger.
type Balances struct {
	RequesterStable *big.Int
	ProviderStable  *big.Int
	Gas             *big.Int // per party
}

// Ledger holds both wallets and the escrow pool.
type Ledger struct {
	Requester Wallet
	Provider  Wallet
	Escrow    *big.Int
	supply    *big.Int
}

// AddressFor derives the fixed simulated address of a party.
func AddressFor(role protocol.Role) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("agentbattle/" + role.String()))[12:])
}

// New creates a ledger with an empty escrow pool.
func New(b Balances) Ledger {
	l := Ledger{
		Requester: Wallet{
			Role:    protocol.RoleRequester,
			Address: AddressFor(protocol.RoleRequester),
			Gas:     usdc.Clone(b.Gas),
			Stable:  usdc.Clone(b.RequesterStable),
		},
		Provider: Wallet{
			Role:    protocol.RoleProvider,
			Address: AddressFor(protocol.RoleProvider),
			Gas:     usdc.Clone(b.Gas),
			Stable:  usdc.Clone(b.ProviderStable),
		},
		Escrow: new(big.Int),
	}
	l.supply = l.Total()
	return l
}

// Wallet returns a copy of the wallet held by role.
func (l Ledger) Wallet(role protocol.Role) (Wallet, error) {
	switch role {
	case protocol.RoleRequester:
		return l.Requester.clone(), nil
	case protocol.RoleProvider:
		return l.Provider.clone(), nil
	}
	return Wallet{}, ErrInvalidRole
}

// Total is requester stable + provider stable + escrow.
func (l Ledger) Total() *big.Int {
	t := new(big.Int)
	for _, v := range []*big.Int{l.Requester.Stable, l.Provider.Stable, l.Escrow} {
		if v != nil {
			t.Add(t, v)
		}
	}
	return t
}

// Supply is the total fixed when the ledger was created.
func (l Ledger) Supply() *big.Int {
	return usdc.Clone(l.supply)
}

// CheckConservation verifies that no operation created or destroyed value
// and that no balance went negative.
func (l Ledger) CheckConservation() error {
	if total := l.Total(); l.supply == nil || total.Cmp(l.supply) != 0 {
		return fmt.Errorf("%w: total %s, supply %s", ErrConservation, usdc.Format(total), usdc.Format(l.supply))
	}
	for _, v := range []*big.Int{l.Requester.Stable, l.Provider.Stable, l.Escrow} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: negative balance", ErrConservation)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Escrow operations
// -----------------------------------------------------------------------------

// Lock moves amount from role's stable balance into escrow.
func (l Ledger) Lock(role protocol.Role, amount *big.Int) (Ledger, error) {
	if err := positive(amount); err != nil {
		return l, &OpError{Op: "lock", Role: role, Amount: amount, Err: err}
	}
	next := l.clone()
	w, err := next.wallet(role)
	if err != nil {
		return l, &OpError{Op: "lock", Role: role, Amount: amount, Err: err}
	}
	if w.Stable.Cmp(amount) < 0 {
		return l, &OpError{Op: "lock", Role: role, Amount: amount, Err: ErrInsufficientBalance}
	}
	w.Stable.Sub(w.Stable, amount)
	next.Escrow.Add(next.Escrow, amount)
	return next, nil
}

// Release credits amount from escrow to the destination party.
func (l Ledger) Release(amount *big.Int, to protocol.Role) (Ledger, error) {
	return l.payOut("release", amount, to)
}

// Refund is Release under another name; the distinction only matters for
// how the move is described.
func (l Ledger) Refund(amount *big.Int, to protocol.Role) (Ledger, error) {
	return l.payOut("refund", amount, to)
}

// Split pays amount out of escrow in two shares, atomically.
func (l Ledger) Split(amount, requesterShare, providerShare *big.Int) (Ledger, error) {
	if err := positive(amount); err != nil {
		return l, &OpError{Op: "split", Role: protocol.RoleSystem, Amount: amount, Err: err}
	}
	if requesterShare == nil || providerShare == nil || requesterShare.Sign() < 0 || providerShare.Sign() < 0 {
		return l, &OpError{Op: "split", Role: protocol.RoleSystem, Amount: amount, Err: ErrInvalidAmount}
	}
	if new(big.Int).Add(requesterShare, providerShare).Cmp(amount) != 0 {
		return l, &OpError{Op: "split", Role: protocol.RoleSystem, Amount: amount, Err: ErrSplitMismatch}
	}
	if l.Escrow.Cmp(amount) < 0 {
		return l, &OpError{Op: "split", Role: protocol.RoleSystem, Amount: amount, Err: ErrInsufficientEscrow}
	}
	next := l.clone()
	next.Escrow.Sub(next.Escrow, amount)
	next.Requester.Stable.Add(next.Requester.Stable, requesterShare)
	next.Provider.Stable.Add(next.Provider.Stable, providerShare)
	return next, nil
}

func (l Ledger) payOut(op string, amount *big.Int, to protocol.Role) (Ledger, error) {
	if err := positive(amount); err != nil {
		return l, &OpError{Op: op, Role: to, Amount: amount, Err: err}
	}
	if l.Escrow.Cmp(amount) < 0 {
		return l, &OpError{Op: op, Role: to, Amount: amount, Err: ErrInsufficientEscrow}
	}
	next := l.clone()
	w, err := next.wallet(to)
	if err != nil {
		return l, &OpError{Op: op, Role: to, Amount: amount, Err: err}
	}
	next.Escrow.Sub(next.Escrow, amount)
	w.Stable.Add(w.Stable, amount)
	return next, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// wallet returns a pointer into l; only valid on a private clone.
func (l *Ledger) wallet(role protocol.Role) (*Wallet, error) {
	switch role {
	case protocol.RoleRequester:
		return &l.Requester, nil
	case protocol.RoleProvider:
		return &l.Provider, nil
	}
	return nil, ErrInvalidRole
}

func (l Ledger) clone() Ledger {
	return Ledger{
		Requester: l.Requester.clone(),
		Provider:  l.Provider.clone(),
		Escrow:    usdc.Clone(l.Escrow),
		supply:    usdc.Clone(l.supply),
	}
}

// Equal reports whether both ledgers hold exactly the same balances.
func (l Ledger) Equal(o Ledger) bool {
	eq := func(a, b *big.Int) bool { return usdc.Clone(a).Cmp(usdc.Clone(b)) == 0 }
	return l.Requester.Address == o.Requester.Address &&
		l.Provider.Address == o.Provider.Address &&
		eq(l.Requester.Stable, o.Requester.Stable) &&
		eq(l.Provider.Stable, o.Provider.Stable) &&
		eq(l.Requester.Gas, o.Requester.Gas) &&
		eq(l.Provider.Gas, o.Provider.Gas) &&
		eq(l.Escrow, o.Escrow) &&
		eq(l.supply, o.supply)
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
