// Package mcp serves the analysis engine as MCP tools over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlens/ledgerlens/pkg/analysis"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

const protocolVersion = "2024-11-05"

// Engine is the part of the orchestrator the tools use.
type Engine interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (*analysis.Outcome, error)
	Refresh(ctx context.Context, req models.AnalysisRequest) (*analysis.Outcome, error)
	Performance() models.PerformanceSnapshot
	CacheStats() models.CacheStats
	ClearCache(subjectID string) int
	TestModel(ctx context.Context, choice models.ModelChoice) (*models.TestReport, error)
}

// LogSearcher queries the analysis log.
type LogSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AnalysisLogEntry, error)
}

// Options configures a Server.
type Options struct {
	DefaultDaysBack int
	Version         string
	Logger          logrus.FieldLogger
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	engine Engine
	logs   LogSearcher
	opts   Options
	log    logrus.FieldLogger
}

// New creates an MCP Server. logs may be nil when the analysis log is off.
func New(engine Engine, logs LogSearcher, opts Options) *Server {
	if opts.DefaultDaysBack <= 0 {
		opts.DefaultDaysBack = 30
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		engine: engine,
		logs:   logs,
		opts:   opts,
		log:    log.WithField("component", "mcp"),
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: jsonrpcVersion,
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return replyError(req, CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}
	switch req.Method {
	case "initialize":
		return reply(req, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "ledgerlens", Version: s.opts.Version},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return reply(req, map[string]any{})
	case "tools/list":
		return reply(req, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return replyError(req, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) (resp *Response) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return replyError(req, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return reply(req, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	log := s.log.WithField("tool", params.Name)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("tool panicked: %v", r)
			resp = replyError(req, CodeInternalError, "internal error")
		}
	}()
	log.Debug("tool call")
	return reply(req, handler(ctx, s, params.Arguments))
}

func reply(req *Request, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
}

func replyError(req *Request, code ErrorCode, msg string) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: code, Message: msg}}
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Errorf("marshal response: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Errorf("write response: %v", err)
	}
}
