package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *BattleClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *BattleClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateBattle starts a new session.
func (h *Handlers) HandleCreateBattle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.CreateSession(ctx,
		req.GetString("requester_balance", ""),
		req.GetString("provider_balance", ""),
		req.GetInt("max_rounds", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create battle: %v", err)), nil
	}

	var resp struct {
		ID       string        `json:"id"`
		Snapshot snapshotBrief `json:"snapshot"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Battle created.\nSession ID: %s\n", resp.ID)
	resp.Snapshot.write(&sb)
	sb.WriteString("\nThe requester opens with CREATE_TRANSACTION.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleBattleSummary returns the narrated state of a session.
func (h *Handlers) HandleBattleSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	text, err := h.client.Summary(ctx, id, req.GetInt("recent", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read battle: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBattleTimeline lists timeline events.
func (h *Handlers) HandleBattleTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.Timeline(ctx, id, req.GetInt("since", 0), req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read timeline: %v", err)), nil
	}

	text, err := formatTimeline(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse timeline: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAvailableActions lists the moves the session accepts now.
func (h *Handlers) HandleAvailableActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.Actions(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list actions: %v", err)), nil
	}

	text, err := formatActions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse actions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSubmitIntent dispatches one intent. A rejection is reported as a
// normal result so the agent can read the reason and try something else.
func (h *Handlers) HandleSubmitIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	kind := req.GetString("type", "")
	if kind == "" {
		return mcp.NewToolResultError("type is required"), nil
	}

	envelope := map[string]any{"type": kind}
	for arg, field := range map[string]string{
		"actor":           "actor",
		"amount":          "amount",
		"description":     "description",
		"proof_reference": "proofReference",
		"reason":          "reason",
		"evidence":        "evidence",
		"resolution":      "resolution",
	} {
		if v := req.GetString(arg, ""); v != "" {
			envelope[field] = v
		}
	}
	if n := req.GetInt("max_rounds", 0); n > 0 {
		envelope["maxRounds"] = n
	}
	if req.GetBool("approved", false) {
		envelope["approved"] = true
	}

	raw, err := h.client.Dispatch(ctx, id, envelope)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == 400 || apiErr.Status == 409) && raw != nil {
		return mcp.NewToolResultText(formatRejection(kind, apiErr, raw)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit %s: %v", kind, err)), nil
	}

	var resp struct {
		Intent   string        `json:"intent"`
		Version  uint64        `json:"version"`
		Snapshot snapshotBrief `json:"snapshot"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s accepted (version %d)\n", resp.Intent, resp.Version)
	resp.Snapshot.write(&sb)
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// snapshotBrief picks the fields an agent needs out of a snapshot.
type snapshotBrief struct {
	RequesterWallet struct {
		StableBalance string `json:"stableBalance"`
	} `json:"requesterWallet"`
	ProviderWallet struct {
		StableBalance string `json:"stableBalance"`
	} `json:"providerWallet"`
	Escrow      string `json:"escrow"`
	Transaction *struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Amount string `json:"amount"`
	} `json:"transaction"`
	Negotiation *struct {
		IsActive     bool `json:"isActive"`
		CurrentRound int  `json:"currentRound"`
		MaxRounds    int  `json:"maxRounds"`
		CurrentOffer *struct {
			Amount string `json:"amount"`
		} `json:"currentOffer"`
		WhoseTurn string `json:"whoseTurn"`
	} `json:"negotiation"`
}

func (s snapshotBrief) write(sb *strings.Builder) {
	if s.Transaction != nil {
		fmt.Fprintf(sb, "State: %s", s.Transaction.State)
		if s.Transaction.Amount != "" {
			fmt.Fprintf(sb, " | Amount: %s USDC", s.Transaction.Amount)
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("State: no transaction\n")
	}
	if n := s.Negotiation; n != nil && n.IsActive && n.CurrentOffer != nil {
		fmt.Fprintf(sb, "Negotiation: %s USDC on the table, round %d of %d, %s to move\n",
			n.CurrentOffer.Amount, n.CurrentRound, n.MaxRounds, n.WhoseTurn)
	}
	fmt.Fprintf(sb, "Requester: %s USDC | Provider: %s USDC | Escrow: %s USDC\n",
		s.RequesterWallet.StableBalance, s.ProviderWallet.StableBalance, s.Escrow)
}

func formatRejection(kind string, apiErr *APIError, raw json.RawMessage) string {
	var resp struct {
		Snapshot *snapshotBrief `json:"snapshot"`
	}
	_ = json.Unmarshal(raw, &resp)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s rejected", kind)
	if apiErr.Code != "" {
		fmt.Fprintf(&sb, " (%s)", apiErr.Code)
	}
	fmt.Fprintf(&sb, ": %s\n", apiErr.Message)
	if resp.Snapshot != nil {
		sb.WriteString("The battle is unchanged.\n")
		resp.Snapshot.write(&sb)
	}
	return sb.String()
}

type timelineEvent struct {
	Seq         uint64 `json:"seq"`
	Actor       string `json:"actor"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FromState   string `json:"fromState"`
	ToState     string `json:"toState"`
	TxHash      string `json:"txHash"`
}

func formatTimeline(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []timelineEvent `json:"events"`
		Total  int             `json:"total"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No events yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d event(s):\n\n", len(resp.Events), resp.Total)
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "#%d [%s] %s", e.Seq, e.Actor, e.Title)
		if e.FromState != "" && e.ToState != "" {
			fmt.Fprintf(&sb, " (%s -> %s)", e.FromState, e.ToState)
		}
		sb.WriteString("\n")
		if e.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", e.Description)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatActions(raw json.RawMessage) (string, error) {
	var resp struct {
		Actions []struct {
			Type  string `json:"type"`
			Actor string `json:"actor"`
		} `json:"actions"`
		WaitingOn []string `json:"waitingOn"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Actions) == 0 {
		return "No moves available. The transaction has finished; start a new battle or reset.", nil
	}

	byActor := make(map[string][]string)
	var order []string
	for _, a := range resp.Actions {
		if _, ok := byActor[a.Actor]; !ok {
			order = append(order, a.Actor)
		}
		byActor[a.Actor] = append(byActor[a.Actor], a.Type)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Waiting on: %s\n", strings.Join(resp.WaitingOn, ", "))
	for _, actor := range order {
		fmt.Fprintf(&sb, "%s: %s\n", actor, strings.Join(byActor[actor], ", "))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
