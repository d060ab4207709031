package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.3.0"

// NewMCPServer creates a configured MCP server with all risk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("walletrisk", Version)
	h := NewHandlers(NewRiskClient(cfg))

	s.AddTool(ToolGetWalletRisk, h.HandleGetWalletRisk)
	s.AddTool(ToolGetWalletRiskHistory, h.HandleGetWalletRiskHistory)
	s.AddTool(ToolGetLatestRun, h.HandleGetLatestRun)
	s.AddTool(ToolScoreTransactions, h.HandleScoreTransactions)

	return s
}
