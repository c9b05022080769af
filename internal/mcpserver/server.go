// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only keeper tools for LLM integration.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/journal"
	"github.com/starford/yieldkeeper/internal/keeper"
)

const rulesURI = "yieldkeeper://eligibility-rules"

// StatusReporter exposes the in-memory cycle state.
type StatusReporter interface {
	Status(now time.Time) keeper.Status
}

// Server wraps the MCP server with keeper tools.
type Server struct {
	mcp     *server.MCPServer
	status  StatusReporter
	history journal.Store
}

// New creates a new MCP server with all keeper tools registered.
// history may be nil when the journal is disabled.
func New(status StatusReporter, history journal.Store) *Server {
	s := &Server{status: status, history: history}

	s.mcp = server.NewMCPServer(
		"YieldKeeper",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("keeper_status",
		mcp.WithDescription("Current cycle phase, last and next scan times, and the scan interval."),
	), s.keeperStatus)

	s.mcp.AddTool(mcp.NewTool("recent_cycles",
		mcp.WithDescription("Summaries of the most recent keeper cycles, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum cycles to return (default 10)")),
	), s.recentCycles)

	s.mcp.AddTool(mcp.NewTool("cycle_repayments",
		mcp.WithDescription("Per-vault outcomes of one cycle: submitted transactions, "+
			"simulation rejections and vaults excluded by the health check. "+
			"Read the eligibility rules resource to interpret reasons."),
		mcp.WithNumber("cycle_id", mcp.Required(), mcp.Description("Cycle ID from recent_cycles")),
	), s.cycleRepayments)

	s.mcp.AddResource(
		mcp.NewResource(rulesURI, "Eligibility Rules",
			mcp.WithResourceDescription("How vaults are filtered, health-checked and submitted each cycle."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRulesResource,
	)

	return s
}

// HTTPHandler serves the MCP server over streamable HTTP.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) keeperStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.status.Status(time.Now().UTC()))
}

func (s *Server) recentCycles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("journal disabled"), nil
	}
	limit := req.GetInt("limit", 10)
	rows, err := s.history.Recent(limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no cycles recorded yet"), nil
	}
	return jsonResult(rows)
}

func (s *Server) cycleRepayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("journal disabled"), nil
	}
	id, err := req.RequireInt("cycle_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := s.history.Repayments(int64(id))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("cycle not found: %d", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no vaults reached validation in this cycle"), nil
	}
	return jsonResult(rows)
}

func (s *Server) readRulesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      rulesURI,
			MIMEType: "text/markdown",
			Text:     EligibilityRules,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
