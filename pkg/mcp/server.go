// Package mcp serves the generation cache to MCP clients as a set of tools
// over newline-delimited JSON-RPC on stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/coordinator"
	"github.com/pario-ai/gencache/pkg/generator"
	"github.com/pario-ai/gencache/pkg/models"
	"github.com/pario-ai/gencache/pkg/tracker"
)

const maxLineBytes = 1 << 20

// Cache is the part of the coordinator the tools use.
type Cache interface {
	GetOrGenerate(ctx context.Context, req coordinator.Request, gen generator.Generator) (*coordinator.Result, error)
	Invalidate(ctx context.Context, templateID string, inputs map[string]string, variant string) error
	Stats(ctx context.Context) (models.CacheStats, error)
}

// Cleaner runs an eviction pass.
type Cleaner interface {
	RunAll(ctx context.Context) ([]models.CleanupResult, error)
}

// Options wires a Server. Tracker and Cleaner are optional.
type Options struct {
	Cache     Cache
	Generator generator.Generator
	Tracker   tracker.Tracker
	Cleaner   Cleaner
	Version   string
	Logger    *zap.Logger
}

// Server is a minimal MCP server.
type Server struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Run reads requests from r one per line and writes responses to w. It
// returns when r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, failure(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "gencache", Version: s.opts.Version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return failure(req.ID, CodeInvalidParams, "invalid params")
		}
		t, ok := toolsByName[params.Name]
		if !ok {
			return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
		}
		return result(req.ID, t.handle(ctx, s, params.Arguments))
	}
	if len(req.ID) == 0 {
		// Unknown notifications are ignored.
		return nil
	}
	return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", zap.Error(err))
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("mcp: write response", zap.Error(err))
	}
}
