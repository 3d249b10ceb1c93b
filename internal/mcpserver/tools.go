package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the agent battle MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateBattle = mcp.NewTool("create_battle",
	mcp.WithDescription(
		"Start a new battle session between a requester and a provider agent. "+
			"Both wallets are funded with test USDC. Returns the session id used by every other tool."),
	mcp.WithString("requester_balance",
		mcp.Description("Requester's starting USDC balance (e.g. '1000'). Defaults to the server setting.")),
	mcp.WithString("provider_balance",
		mcp.Description("Provider's starting USDC balance (e.g. '100'). Defaults to the server setting.")),
	mcp.WithNumber("max_rounds",
		mcp.Description("Default number of counter-offers allowed per negotiation")),
)

var ToolBattleSummary = mcp.NewTool("battle_summary",
	mcp.WithDescription(
		"Read the current state of a battle: transaction state, balances, escrow, "+
			"negotiation status, whose move it is, and the most recent events. Call this before acting."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Battle session id (e.g. 'bs_0123...')")),
	mcp.WithNumber("recent",
		mcp.Description("How many recent events to include (default 5)")),
)

var ToolBattleTimeline = mcp.NewTool("battle_timeline",
	mcp.WithDescription(
		"List timeline events for a battle in order. Use 'since' with the last seq you saw to page forward."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Battle session id")),
	mcp.WithNumber("since",
		mcp.Description("Only return events with a seq greater than this")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return")),
)

var ToolAvailableActions = mcp.NewTool("battle_available_actions",
	mcp.WithDescription(
		"List the intents the battle would accept right now and which roles are expected to move."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Battle session id")),
)

var ToolSubmitIntent = mcp.NewTool("submit_intent",
	mcp.WithDescription(
		"Submit a move in a battle. Rejected moves leave the battle unchanged and explain why. "+
			"Use battle_available_actions first to see which moves are legal."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Battle session id")),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Intent type"),
		mcp.Enum(
			"CREATE_TRANSACTION", "QUOTE", "COUNTER_OFFER", "ACCEPT_QUOTE",
			"APPROVE_TOKEN", "LINK_ESCROW", "START_WORK", "DELIVER",
			"RELEASE_ESCROW", "RAISE_DISPUTE", "RESOLVE_DISPUTE", "CANCEL")),
	mcp.WithString("actor",
		mcp.Description("Who is acting. Defaults to the role this server was started with."),
		mcp.Enum("requester", "provider", "system")),
	mcp.WithString("amount",
		mcp.Description("USDC amount for CREATE_TRANSACTION, QUOTE and COUNTER_OFFER (e.g. '45.50')")),
	mcp.WithString("description",
		mcp.Description("Service description for CREATE_TRANSACTION")),
	mcp.WithString("proof_reference",
		mcp.Description("Delivery proof for DELIVER")),
	mcp.WithString("reason",
		mcp.Description("Dispute reason for RAISE_DISPUTE")),
	mcp.WithString("evidence",
		mcp.Description("Optional evidence for RAISE_DISPUTE")),
	mcp.WithString("resolution",
		mcp.Description("Outcome for RESOLVE_DISPUTE"),
		mcp.Enum("refund_requester", "split", "release_to_provider")),
	mcp.WithNumber("max_rounds",
		mcp.Description("Counter-offer limit for a QUOTE that opens negotiation")),
	mcp.WithBoolean("approved",
		mcp.Description("For LINK_ESCROW: approve the token spend in the same step")),
)
