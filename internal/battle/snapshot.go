// Package battle is the simulator's single entry point: a pure reducer that
// applies intents to an immutable Snapshot, plus the session host that
// serves snapshots to the HTTP, realtime and MCP surfaces.
package battle

import (
	"encoding/json"
	"time"

	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/timeline"
	"github.com/mbd888/agentbattle/internal/transaction"
	"github.com/mbd888/agentbattle/internal/usdc"
	"github.com/mbd888/agentbattle/internal/wallet"
)

// Snapshot is the complete simulator state. Treat it as read-only; Reduce
// never modifies one and callers must not either.
type Snapshot struct {
	transaction.World

	IsSimulating bool
	Version      uint64 // applied intents since creation or reset
	Config       Config
}

// New creates the initial snapshot for cfg. Zero fields take defaults.
func New(cfg Config) Snapshot {
	cfg = cfg.withDefaults()
	return Snapshot{
		World: transaction.World{
			Ledger: wallet.New(wallet.Balances{
				RequesterStable: cfg.RequesterStable,
				ProviderStable:  cfg.ProviderStable,
				Gas:             cfg.Gas,
			}),
			Clock: cfg.Epoch,
		},
		Config: cfg,
	}
}

// Transaction returns a copy of the current transaction, if any.
func (s Snapshot) Transaction() (transaction.Transaction, bool) {
	if s.Tx == nil {
		return transaction.Transaction{}, false
	}
	return *s.Tx, true
}

// Events returns the timeline in order.
func (s Snapshot) Events() []timeline.Event {
	return s.Timeline.Events()
}

// MarshalJSON renders the snapshot for presentation collaborators.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequesterWallet wallet.Wallet            `json:"requesterWallet"`
		ProviderWallet  wallet.Wallet            `json:"providerWallet"`
		Escrow          string                   `json:"escrow"`
		Transaction     *transaction.Transaction `json:"transaction"`
		Negotiation     *negotiation.State       `json:"negotiation"`
		Timeline        timeline.Timeline        `json:"timeline"`
		IsSimulating    bool                     `json:"isSimulating"`
		TokenApproved   bool                     `json:"tokenApproved"`
		Clock           time.Time                `json:"clock"`
		Version         uint64                   `json:"version"`
	}{
		RequesterWallet: s.Ledger.Requester,
		ProviderWallet:  s.Ledger.Provider,
		Escrow:          usdc.Format(s.Ledger.Escrow),
		Transaction:     s.Tx,
		Negotiation:     s.Negotiation,
		Timeline:        s.Timeline,
		IsSimulating:    s.IsSimulating,
		TokenApproved:   s.TokenApproved,
		Clock:           s.Clock,
		Version:         s.Version,
	})
}
