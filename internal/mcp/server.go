// Package mcp exposes the analysis core to MCP clients: live session
// progress, system health, error statistics, the exercise catalog and form
// scoring.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type contextKey int

const callerKey contextKey = iota

// CallerFromContext returns the login injected by the transport layer.
func CallerFromContext(ctx context.Context) string {
	if login, ok := ctx.Value(callerKey).(string); ok {
		return login
	}
	return "local"
}

// WithCaller returns a context carrying the caller's login.
func WithCaller(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, callerKey, login)
}

// New creates an MCP server with all tools and resources registered.
func New(ds DataSource, version string, log *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("repform", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("repform pose analysis server. Inspect live exercise sessions, rep scores, system health and logged faults, and score form issues against the exercise catalog."),
	)

	h := &handlers{ds: ds, log: log}

	// Tools
	s.AddTools(
		server.ServerTool{Tool: toolListSessions, Handler: h.listSessions},
		server.ServerTool{Tool: toolGetSessionProgress, Handler: h.getSessionProgress},
		server.ServerTool{Tool: toolGetSystemHealth, Handler: h.getSystemHealth},
		server.ServerTool{Tool: toolGetErrorStats, Handler: h.getErrorStats},
		server.ServerTool{Tool: toolListExercises, Handler: h.listExercises},
		server.ServerTool{Tool: toolScoreForm, Handler: h.scoreForm},
		server.ServerTool{Tool: toolGetSessionHistory, Handler: h.getSessionHistory},
		server.ServerTool{Tool: toolGetRepHistory, Handler: h.getRepHistory},
		server.ServerTool{Tool: toolGetDataStats, Handler: h.getDataStats},
	)

	// Resources
	s.AddResources(
		server.ServerResource{Resource: resHealth, Handler: h.health},
		server.ServerResource{Resource: resExercises, Handler: h.exercises},
	)

	return s
}

// handlers holds dependencies for MCP tool/resource handlers.
type handlers struct {
	ds  DataSource
	log *slog.Logger
}

// --- Resource definitions ---

var resHealth = mcp.NewResource(
	"repform://health",
	"System Health",
	mcp.WithResourceDescription("Health verdict over the last minute of logged faults, with issues and recommendations"),
	mcp.WithMIMEType("application/json"),
)

var resExercises = mcp.NewResource(
	"repform://exercises",
	"Exercise Catalog",
	mcp.WithResourceDescription("All exercises with their phase thresholds, perfect depth range and scoring weights"),
	mcp.WithMIMEType("application/json"),
)
