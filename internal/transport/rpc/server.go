// Package rpc exposes the executor over net/rpc with the JSON-RPC codec.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/service"
)

// ServiceName is the name methods are registered under, e.g. "Executor.Execute".
const ServiceName = "Executor"

// Server exposes executor RPC endpoints for internal clients.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the executor service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Listen binds the server to addr without accepting connections yet.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins accepting RPC connections on the given address. An empty
// address reuses a listener bound by Listen.
func (s *Server) Start(addr string) error {
	if s.listener == nil {
		if err := s.Listen(addr); err != nil {
			return err
		}
	}
	ln := s.listener

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.GetLogger().WithError(err).Warn("RPC accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements executor RPC methods.
type Handler struct {
	service *service.Service
}

// ExecuteArgs starts an execution of a team.
type ExecuteArgs struct {
	TeamID  string                `json:"team_id"`
	Request domain.ExecuteRequest `json:"request"`
}

// ExecutionArgs identifies an execution.
type ExecutionArgs struct {
	ExecutionID string `json:"execution_id"`
}

// ReadEventsArgs reads one page of an execution's event log.
type ReadEventsArgs struct {
	ExecutionID string `json:"execution_id"`
	After       string `json:"after,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Execute starts an execution.
func (h *Handler) Execute(req *ExecuteArgs, resp *domain.ExecuteResponse) error {
	if req == nil || req.TeamID == "" {
		return errors.New("team_id is required")
	}

	result, err := h.service.Execute(context.Background(), req.TeamID, req.Request)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// Cancel requests cancellation of a running execution.
func (h *Handler) Cancel(req *ExecutionArgs, resp *domain.CancelResponse) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}

	result, err := h.service.Cancel(context.Background(), req.ExecutionID)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// GetExecution returns the status and nodes of an execution.
func (h *Handler) GetExecution(req *ExecutionArgs, resp *domain.ExecutionView) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}

	view, err := h.service.GetExecution(context.Background(), req.ExecutionID)
	if err != nil {
		return err
	}
	if resp != nil && view != nil {
		*resp = *view
	}
	return nil
}

// ReadEvents returns events strictly after the given cursor.
func (h *Handler) ReadEvents(req *ReadEventsArgs, resp *domain.EventPage) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	after, err := domain.ParseCursor(req.After)
	if err != nil {
		return err
	}

	page, err := h.service.ReadEvents(context.Background(), req.ExecutionID, after, req.Limit)
	if err != nil {
		return err
	}
	if resp != nil && page != nil {
		*resp = *page
	}
	return nil
}
