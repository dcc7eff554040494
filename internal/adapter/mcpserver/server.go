// Package mcpserver exposes the RPC surface as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"athena/internal/domain"
	"athena/internal/usecase/rpc"
)

// Dispatcher is the RPC surface published as MCP tools.
type Dispatcher interface {
	Call(ctx context.Context, method string, params json.RawMessage) (any, error)
	Methods() []rpc.Method
}

// Server publishes one MCP tool per RPC method.
type Server struct {
	mcp    *server.MCPServer
	d      Dispatcher
	roles  []domain.AuthRole
	caller string
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRoles sets the roles MCP calls run with. The default is admin: a
// stdio client is the local operator.
func WithRoles(roles ...domain.AuthRole) Option {
	return func(s *Server) { s.roles = roles }
}

// WithCaller sets the actor recorded on runs started over MCP.
func WithCaller(name string) Option {
	return func(s *Server) { s.caller = name }
}

// New builds the MCP server for d.
func New(d Dispatcher, name, version string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		mcp:    server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery()),
		d:      d,
		roles:  []domain.AuthRole{domain.AuthRoleAdmin},
		caller: "mcp",
		logger: logger,
	}
	for _, o := range opts {
		o(s)
	}
	for _, m := range d.Methods() {
		s.mcp.AddTool(mcp.NewToolWithRawSchema(m.Name, m.Description, m.Schema), s.handler(m.Name))
	}
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over in and out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio", "tools", len(s.d.Methods()))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) handler(method string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = domain.ContextWithRoles(ctx, s.roles)
		ctx = rpc.ContextWithCaller(ctx, s.caller)

		params, err := json.Marshal(req.GetArguments())
		if err != nil {
			return errorResult(domain.NewDomainError("mcp.call", domain.ErrRPCInvalidPayload, err.Error())), nil
		}
		out, err := s.d.Call(ctx, method, params)
		if err != nil {
			s.logger.Warn("mcp call failed", "method", method, "error", err)
			return errorResult(err), nil
		}
		body, err := json.Marshal(out)
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// errorResult reports err to the client as a tool error carrying the
// message and the stable code.
func errorResult(err error) *mcp.CallToolResult {
	body, _ := json.Marshal(map[string]string{"error": err.Error(), "code": rpc.ErrorCode(err)})
	return mcp.NewToolResultError(string(body))
}
