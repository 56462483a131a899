// Package mcpserver exposes checksum, matching and ingestion as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/tardis-ingest/pkg/audit"
	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/ingestion"
	"github.com/txn2/tardis-ingest/pkg/inspector"
)

// Runner runs one batch.
type Runner interface {
	Run(ctx context.Context, batch *catalog.Batch) (*ingestion.Result, error)
}

var _ Runner = (*ingestion.Orchestrator)(nil)

// Deps are the collaborators behind the tools.
type Deps struct {
	Runner   Runner
	Searcher inspector.Searcher
	Policy   inspector.Policy

	// Audit backs ingestion_history. Nil leaves the tool out.
	Audit audit.Logger

	// BlockSize is the default ETag block size of checksum_file.
	BlockSize int64

	Logger *slog.Logger
}

// Server is an MCP server with the ingestion tools registered.
type Server struct {
	deps   Deps
	server *mcp.Server
	logger *slog.Logger
}

// New creates a Server.
func New(deps Deps, version string) (*Server, error) {
	if deps.Runner == nil || deps.Searcher == nil {
		return nil, errors.New("runner and searcher are required")
	}
	s := &Server{
		deps:   deps,
		server: mcp.NewServer(&mcp.Implementation{Name: "tardis-ingest", Version: version}, nil),
		logger: deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.server.AddReceivingMiddleware(loggingMiddleware(s.logger))
	s.registerChecksumTool()
	s.registerInspectTool()
	s.registerIngestTool()
	if deps.Audit != nil {
		s.registerHistoryTool()
	}
	return s, nil
}

// MCP returns the underlying server.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving mcp: %w", err)
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorResult(err error) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{ //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError, not as Go errors
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}, nil, nil
}
