package battle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/agentbattle/internal/dispute"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

var ErrUnknownIntent = errors.New("unknown intent type")

// Decimal is an amount as written by a client. JSON accepts a string or a
// bare number.
type Decimal string

func (d *Decimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*d = Decimal(n.String())
	return nil
}

// UnmarshalYAML keeps the scalar text so 12.50 and "12.50" decode alike.
func (d *Decimal) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount: expected a scalar, got %s", n.ShortTag())
	}
	if n.ShortTag() == "!!null" {
		*d = ""
		return nil
	}
	*d = Decimal(n.Value)
	return nil
}

// Envelope is the wire form of an intent, shared by the HTTP API and
// scenario files. Durations use Go syntax ("24h", "90m").
type Envelope struct {
	Type           Kind    `json:"type" yaml:"type"`
	Actor          string  `json:"actor,omitempty" yaml:"actor,omitempty"`
	Amount         Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
	Description    string  `json:"description,omitempty" yaml:"description,omitempty"`
	Deadline       string  `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	DisputeWindow  string  `json:"disputeWindow,omitempty" yaml:"disputeWindow,omitempty"`
	MaxRounds      int     `json:"maxRounds,omitempty" yaml:"maxRounds,omitempty"`
	Approved       bool    `json:"approved,omitempty" yaml:"approved,omitempty"`
	ProofReference string  `json:"proofReference,omitempty" yaml:"proofReference,omitempty"`
	Reason         string  `json:"reason,omitempty" yaml:"reason,omitempty"`
	Evidence       string  `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Resolution     string  `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Duration       string  `json:"duration,omitempty" yaml:"duration,omitempty"`
	Active         bool    `json:"active,omitempty" yaml:"active,omitempty"`
}

// Intent converts the envelope into a typed intent. Malformed fields are
// reported as ErrInvalidInput.
func (e Envelope) Intent() (Intent, error) {
	kind := Kind(strings.ToUpper(strings.TrimSpace(string(e.Type))))

	switch kind {
	case KindAdvanceClock:
		d, err := parseDuration("duration", e.Duration)
		if err != nil {
			return nil, err
		}
		return AdvanceClock{Duration: d}, nil
	case KindSetSimulating:
		return SetSimulating{Active: e.Active}, nil
	case KindReset:
		return Reset{}, nil
	}

	actor, err := e.actor(kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindCreateTransaction:
		amount, err := usdc.ParsePositive(string(e.Amount))
		if err != nil {
			return nil, invalid("amount", err)
		}
		deadline, err := parseDuration("deadline", e.Deadline)
		if err != nil {
			return nil, err
		}
		window, err := parseDuration("disputeWindow", e.DisputeWindow)
		if err != nil {
			return nil, err
		}
		return CreateTransaction{By: actor, Amount: amount, Description: e.Description, Deadline: deadline, DisputeWindow: window}, nil
	case KindQuote:
		q := Quote{By: actor, MaxRounds: e.MaxRounds}
		if e.Amount != "" {
			amount, err := usdc.ParsePositive(string(e.Amount))
			if err != nil {
				return nil, invalid("amount", err)
			}
			q.Amount = amount
		}
		return q, nil
	case KindCounterOffer:
		amount, err := usdc.ParsePositive(string(e.Amount))
		if err != nil {
			return nil, invalid("amount", err)
		}
		return CounterOffer{By: actor, Amount: amount}, nil
	case KindAcceptQuote:
		return AcceptQuote{By: actor}, nil
	case KindApproveToken:
		return ApproveToken{By: actor}, nil
	case KindLinkEscrow:
		return LinkEscrow{By: actor, Approved: e.Approved}, nil
	case KindStartWork:
		return StartWork{By: actor}, nil
	case KindDeliver:
		return Deliver{By: actor, ProofReference: e.ProofReference}, nil
	case KindReleaseEscrow:
		return ReleaseEscrow{By: actor}, nil
	case KindRaiseDispute:
		return RaiseDispute{By: actor, Reason: e.Reason, Evidence: e.Evidence}, nil
	case KindResolveDispute:
		r, err := dispute.Parse(e.Resolution)
		if err != nil {
			return nil, invalid("resolution", err)
		}
		return ResolveDispute{By: actor, Resolution: r}, nil
	case KindCancel:
		return Cancel{By: actor}, nil
	}
	return nil, fmt.Errorf("%w: %w %q", ErrInvalidInput, ErrUnknownIntent, e.Type)
}

// actor parses the declared actor. Dispute resolution defaults to the
// system; every other party intent must name its actor.
func (e Envelope) actor(kind Kind) (protocol.Role, error) {
	if strings.TrimSpace(e.Actor) == "" {
		if kind == KindResolveDispute {
			return protocol.RoleSystem, nil
		}
		return protocol.RoleUnknown, fmt.Errorf("%w: actor is required for %s", ErrInvalidInput, kind)
	}
	r, err := protocol.ParseRole(e.Actor)
	if err != nil {
		return protocol.RoleUnknown, invalid("actor", err)
	}
	return r, nil
}

// EnvelopeOf is the inverse of Envelope.Intent.
func EnvelopeOf(in Intent) Envelope {
	e := Envelope{Type: in.Kind()}
	if r := in.Actor(); r.IsParty() || r == protocol.RoleSystem {
		e.Actor = r.String()
	}
	switch in := in.(type) {
	case CreateTransaction:
		e.Amount = Decimal(usdc.Compact(in.Amount))
		e.Description = in.Description
		if in.Deadline > 0 {
			e.Deadline = in.Deadline.String()
		}
		if in.DisputeWindow > 0 {
			e.DisputeWindow = in.DisputeWindow.String()
		}
	case Quote:
		if in.Amount != nil {
			e.Amount = Decimal(usdc.Compact(in.Amount))
		}
		e.MaxRounds = in.MaxRounds
	case CounterOffer:
		e.Amount = Decimal(usdc.Compact(in.Amount))
	case LinkEscrow:
		e.Approved = in.Approved
	case Deliver:
		e.ProofReference = in.ProofReference
	case RaiseDispute:
		e.Reason = in.Reason
		e.Evidence = in.Evidence
	case ResolveDispute:
		e.Resolution = in.Resolution.String()
	case AdvanceClock:
		e.Actor = ""
		e.Duration = in.Duration.String()
	case SetSimulating:
		e.Actor = ""
		e.Active = in.Active
	case Reset:
		e.Actor = ""
	}
	return e
}

// DecodeJSON reads one JSON envelope and converts it.
func DecodeJSON(b []byte) (Intent, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, invalid("body", err)
	}
	return e.Intent()
}

func parseDuration(field, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, invalid(field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidInput, field)
	}
	return d, nil
}

func invalid(field string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidInput, field, err)
}
