package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all battle tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentbattle", Version)
	client := NewBattleClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateBattle, h.HandleCreateBattle)
	s.AddTool(ToolBattleSummary, h.HandleBattleSummary)
	s.AddTool(ToolBattleTimeline, h.HandleBattleTimeline)
	s.AddTool(ToolAvailableActions, h.HandleAvailableActions)
	s.AddTool(ToolSubmitIntent, h.HandleSubmitIntent)

	return s
}
