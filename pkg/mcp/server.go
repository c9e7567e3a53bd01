package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// ErrResourceNotFound is returned by ResourceHandler.ReadResource for
// unknown URIs.
var ErrResourceNotFound = errors.New("resource not found")

// ToolHandler is the interface for handling tool calls.
type ToolHandler interface {
	GetTools() []Tool
	HandleTool(ctx context.Context, name string, args map[string]interface{}) (*CallToolResult, error)
}

// ResourceHandler is implemented by tool handlers that also expose
// read-only resources.
type ResourceHandler interface {
	ListResources(ctx context.Context) []Resource
	ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error)
}

// Server is the MCP server that handles protocol messages.
type Server struct {
	transport   *Transport
	handler     ToolHandler
	log         *slog.Logger
	initialized atomic.Bool

	serverInfo Implementation
}

// NewServer creates a new MCP server.
func NewServer(reader io.Reader, writer io.Writer, handler ToolHandler, info Implementation, log *slog.Logger) *Server {
	if info.Name == "" {
		info = Implementation{Name: "whatsapp-inbox", Version: "dev"}
	}
	return &Server{
		transport:  NewTransport(reader, writer, log),
		handler:    handler,
		log:        log,
		serverInfo: info,
	}
}

// Run starts the server message loop. It returns nil when the client closes
// its end of the stream.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("MCP server starting", "server", s.serverInfo.Name, "version", s.serverInfo.Version)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("MCP server shutting down")
			return ctx.Err()
		default:
		}

		req, err := s.transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("Client disconnected")
				return nil
			}
			s.log.Error("Failed to read message", "error", err)
			if errors.Is(err, ErrMalformedMessage) {
				_ = s.transport.SendError(nil, ParseError, "Parse error", nil)
			}
			continue
		}

		if err := s.handleRequest(ctx, req); err != nil {
			s.log.Error("Failed to handle request", "method", req.Method, "error", err)
		}
	}
}

// Notify pushes a server-initiated notification once the client has
// finished initialization. Earlier notifications are dropped.
func (s *Server) Notify(method string, params interface{}) error {
	if !s.initialized.Load() {
		return nil
	}
	return s.transport.SendNotification(method, params)
}

// LogMessage sends a notifications/message entry to the client.
func (s *Server) LogMessage(level LogLevel, logger string, data interface{}) error {
	return s.Notify(MethodLogMessage, LogMessageParams{Level: level, Logger: logger, Data: data})
}

func (s *Server) handleRequest(ctx context.Context, req *Request) error {
	s.log.Debug("handling request", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		s.initialized.Store(true)
		s.log.Info("Client initialized")
		return nil
	case "ping":
		return s.transport.SendResult(req.ID, map[string]interface{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(ctx, req)
	case "resources/read":
		return s.handleResourcesRead(ctx, req)
	default:
		if req.IsNotification() {
			return nil
		}
		return s.transport.SendError(req.ID, MethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req *Request) error {
	var params InitializeParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.transport.SendError(req.ID, InvalidParams, "Invalid initialize params", nil)
		}
	}

	s.log.Info("Client initializing",
		"client", params.ClientInfo.Name,
		"version", params.ClientInfo.Version,
		"protocol", params.ProtocolVersion,
	)

	caps := ServerCapabilities{
		Tools:   &ListChangedCapability{},
		Logging: &struct{}{},
	}
	if _, ok := s.handler.(ResourceHandler); ok {
		caps.Resources = &ResourcesCapability{}
	}

	return s.transport.SendResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      s.serverInfo,
	})
}

func (s *Server) handleToolsList(req *Request) error {
	return s.transport.SendResult(req.ID, ListToolsResult{Tools: s.handler.GetTools()})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) error {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.transport.SendError(req.ID, InvalidParams, "Invalid tool call params", nil)
	}

	s.log.Info("Tool call", "name", params.Name)

	result, err := s.handler.HandleTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.log.Error("Tool call failed", "name", params.Name, "error", err)
		return s.transport.SendResult(req.ID, ErrorResult(fmt.Sprintf("Error: %s", err.Error())))
	}

	return s.transport.SendResult(req.ID, result)
}

func (s *Server) handleResourcesList(ctx context.Context, req *Request) error {
	result := ListResourcesResult{Resources: []Resource{}}
	if rh, ok := s.handler.(ResourceHandler); ok {
		result.Resources = append(result.Resources, rh.ListResources(ctx)...)
	}
	return s.transport.SendResult(req.ID, result)
}

func (s *Server) handleResourcesRead(ctx context.Context, req *Request) error {
	var params ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.transport.SendError(req.ID, InvalidParams, "Invalid resource read params", nil)
	}

	rh, ok := s.handler.(ResourceHandler)
	if !ok {
		return s.transport.SendError(req.ID, ResourceNotFound, fmt.Sprintf("Resource not found: %s", params.URI), nil)
	}
	result, err := rh.ReadResource(ctx, params.URI)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		return s.transport.SendError(req.ID, ResourceNotFound, fmt.Sprintf("Resource not found: %s", params.URI), nil)
	case err != nil:
		s.log.Error("Resource read failed", "uri", params.URI, "error", err)
		return s.transport.SendError(req.ID, InternalError, err.Error(), nil)
	}
	return s.transport.SendResult(req.ID, result)
}
