// Command mcp exposes a running battle server to LLM agents as MCP tools
// over stdio.
//
//	AGENTBATTLE_API_URL  base URL of the battle server (default http://localhost:8080)
//	AGENTBATTLE_ROLE     requester or provider; the default actor for submit_intent
package main

import (
	"cmp"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentbattle/internal/mcpserver"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/retry"
)

func main() {
	cfg, err := configFromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentbattle-mcp:", err)
		os.Exit(2)
	}
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintln(os.Stderr, "agentbattle-mcp:", err)
		os.Exit(1)
	}
}

func configFromEnv(getenv func(string) string) (mcpserver.Config, error) {
	cfg := mcpserver.Config{
		APIURL: cmp.Or(getenv("AGENTBATTLE_API_URL"), "http://localhost:8080"),
		Retry:  retry.DefaultPolicy,
	}
	if raw := strings.TrimSpace(getenv("AGENTBATTLE_ROLE")); raw != "" {
		role, err := protocol.ParseRole(raw)
		if err != nil {
			return cfg, fmt.Errorf("AGENTBATTLE_ROLE: %w", err)
		}
		cfg.Role = role.String()
	}
	return cfg, nil
}
