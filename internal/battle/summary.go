package battle

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// Summary is the condensed, read-only view handed to assistants and help
// surfaces.
type Summary struct {
	State           protocol.State      `json:"state"`
	TransactionID   string              `json:"transactionId,omitempty"`
	Description     string              `json:"description,omitempty"`
	Amount          string              `json:"amount,omitempty"`
	RequesterStable string              `json:"requesterStable"`
	ProviderStable  string              `json:"providerStable"`
	Escrow          string              `json:"escrow"`
	Negotiation     *NegotiationSummary `json:"negotiation,omitempty"`
	DisputeDeadline *time.Time          `json:"disputeDeadline,omitempty"`
	DisputeReason   string              `json:"disputeReason,omitempty"`
	Clock           time.Time           `json:"clock"`
	WaitingOn       []protocol.Role     `json:"waitingOn"`
	Available       []Action            `json:"available"`
	Recent          []string            `json:"recent"`
}

// NegotiationSummary is the negotiation part of a Summary.
type NegotiationSummary struct {
	Active       bool          `json:"active"`
	Round        int           `json:"round"`
	MaxRounds    int           `json:"maxRounds"`
	CurrentOffer string        `json:"currentOffer"`
	OfferedBy    protocol.Role `json:"offeredBy"`
	WhoseTurn    protocol.Role `json:"whoseTurn"`
}

// Summarize condenses s, keeping the recent newest timeline entries.
func Summarize(s Snapshot, recent int) Summary {
	available := Available(s)
	sum := Summary{
		State:           s.State(),
		RequesterStable: usdc.Compact(s.Ledger.Requester.Stable),
		ProviderStable:  usdc.Compact(s.Ledger.Provider.Stable),
		Escrow:          usdc.Compact(s.Ledger.Escrow),
		Clock:           s.Clock,
		WaitingOn:       Waiting(available),
		Available:       available,
		Recent:          []string{},
	}
	if sum.Available == nil {
		sum.Available = []Action{}
	}
	if tx := s.Tx; tx != nil {
		sum.TransactionID = tx.ID
		sum.Description = tx.Description
		sum.Amount = usdc.Compact(tx.Amount)
		sum.DisputeReason = tx.DisputeReason
		if !tx.DisputeDeadline.IsZero() {
			d := tx.DisputeDeadline
			sum.DisputeDeadline = &d
		}
	}
	if n := s.Negotiation; n != nil && n.CurrentOffer != nil {
		sum.Negotiation = &NegotiationSummary{
			Active:       n.IsActive,
			Round:        n.CurrentRound,
			MaxRounds:    n.MaxRounds,
			CurrentOffer: usdc.Compact(n.CurrentOffer.Amount),
			OfferedBy:    n.CurrentOffer.From,
			WhoseTurn:    n.WhoseTurn,
		}
	}
	for _, e := range s.Timeline.Recent(recent) {
		sum.Recent = append(sum.Recent, fmt.Sprintf("%s: %s. %s", e.Actor.Title(), e.Title, e.Description))
	}
	return sum
}

// Text renders the summary as plain text.
func (s Summary) Text() string {
	var b strings.Builder
	if s.State == protocol.StateNone {
		b.WriteString("No transaction yet.\n")
	} else {
		fmt.Fprintf(&b, "Transaction %s is %s: %q for %s USDC.\n", shortID(s.TransactionID), s.State, s.Description, s.Amount)
	}
	fmt.Fprintf(&b, "Balances: requester %s USDC, provider %s USDC, escrow %s USDC.\n",
		s.RequesterStable, s.ProviderStable, s.Escrow)

	if n := s.Negotiation; n != nil {
		if n.Active {
			fmt.Fprintf(&b, "Negotiating: %s offered %s USDC, round %d of %d, %s to respond.\n",
				n.OfferedBy.Title(), n.CurrentOffer, n.Round, n.MaxRounds, n.WhoseTurn)
		} else {
			fmt.Fprintf(&b, "Negotiation closed at %s USDC after %d counter-offers.\n", n.CurrentOffer, n.Round)
		}
	}
	if s.DisputeReason != "" {
		fmt.Fprintf(&b, "Disputed: %s\n", s.DisputeReason)
	} else if s.DisputeDeadline != nil && s.State == protocol.StateDelivered {
		fmt.Fprintf(&b, "Dispute window closes %s.\n", s.DisputeDeadline.UTC().Format(time.RFC3339))
	}

	if len(s.Available) > 0 {
		parts := make([]string, 0, len(s.Available))
		for _, a := range s.Available {
			parts = append(parts, fmt.Sprintf("%s (%s)", a.Type, a.Actor))
		}
		fmt.Fprintf(&b, "Next: %s\n", strings.Join(parts, ", "))
	}
	if len(s.Recent) > 0 {
		b.WriteString("Recent:\n")
		for _, line := range s.Recent {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
