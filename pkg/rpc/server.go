// Package rpc exposes the runner's operations as MCP tools over stdio:
// execute, list_modules, get_module, register_module, delete_module. The
// payloads mirror the REST surface field for field.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/registry"
	"github.com/operato/runner/pkg/store"
)

// Execer matches the execution entry point shared with the HTTP layer.
type Execer interface {
	Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error)
	AvailableKinds() []module.EnvKind
}

// Server is the MCP tool server.
type Server struct {
	mcpServer *server.MCPServer
	registry  *registry.Registry
	repo      store.Repository
	exec      Execer
	logger    zerolog.Logger
}

func NewServer(reg *registry.Registry, repo store.Repository, exec Execer, name, version string, logger zerolog.Logger) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version,
			server.WithToolCapabilities(true),
			server.WithLogging(),
		),
		registry: reg,
		repo:     repo,
		exec:     exec,
		logger:   logger.With().Str("component", "rpc").Logger(),
	}
	s.registerTools()
	return s
}

// Serve runs the stdio transport until the peer disconnects.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Msg("starting RPC server on stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute",
		Description: "Run a module's handler with a JSON input object",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"module": map[string]interface{}{
					"type":        "string",
					"description": "Module name",
				},
				"input": map[string]interface{}{
					"type":        "object",
					"description": "Input object passed to handler(input)",
				},
			},
			Required: []string{"module"},
		},
	}, s.handleExecute)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_modules",
		Description: "List registered modules with their active versions",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}},
	}, s.handleListModules)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_module",
		Description: "Get one module with its active version",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Module name",
				},
			},
			Required: []string{"name"},
		},
	}, s.handleGetModule)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "register_module",
		Description: "Register a new inline module with its first version",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Module name",
				},
				"env": map[string]interface{}{
					"type":        "string",
					"description": "Environment kind (inline, subprocess, named_env, container)",
				},
				"version": map[string]interface{}{
					"type":        "string",
					"description": "Version label, defaults to 0.1.0",
				},
				"code": map[string]interface{}{
					"type":        "string",
					"description": "Handler body for inline modules",
				},
				"description": map[string]interface{}{
					"type": "string",
				},
			},
			Required: []string{"name", "env"},
		},
	}, s.handleRegisterModule)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "delete_module",
		Description: "Logically delete a module and purge its environments",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Module name",
				},
			},
			Required: []string{"name"},
		},
	}, s.handleDeleteModule)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	name, _ := args["module"].(string)
	if name == "" {
		return errorResult("module is required"), nil
	}

	input := json.RawMessage("{}")
	if raw, ok := args["input"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return errorResult("input is not valid JSON"), nil
		}
		input = data
	}

	result, err := s.exec.Execute(ctx, module.ExecRequest{Module: name, Input: input})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleListModules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mods, err := s.repo.ListModules(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(mods)
}

func (s *Server) handleGetModule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := req.GetArguments()["name"].(string)
	if name == "" {
		return errorResult("name is required"), nil
	}
	mod, ver, err := s.registry.ResolveActive(ctx, name)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"module": mod, "active": ver})
}

func (s *Server) handleRegisterModule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	name, _ := args["name"].(string)
	env, _ := args["env"].(string)
	version, _ := args["version"].(string)
	code, _ := args["code"].(string)
	description, _ := args["description"].(string)

	err := s.registry.Register(ctx, registry.RegisterRequest{
		Name:        name,
		EnvKind:     module.EnvKind(env),
		Version:     version,
		Code:        code,
		Description: description,
		Operator:    "rpc",
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]string{"name": name})
}

func (s *Server) handleDeleteModule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := req.GetArguments()["name"].(string)
	if name == "" {
		return errorResult("name is required"), nil
	}
	if err := s.registry.Delete(ctx, name); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]string{"name": name, "status": "deleted"})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
	}
}
