package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/catface996/aiops-executor/internal/domain"
)

// Client calls the Executor JSON-RPC service. Each call dials a fresh
// connection.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts host:port or a URL such as tcp://host:port.
func NewClient(target string) *Client {
	return &Client{
		addr:        resolveRPCAddr(target),
		dialTimeout: 5 * time.Second,
		callTimeout: 30 * time.Second,
	}
}

// Execute starts an execution of a team.
func (c *Client) Execute(ctx context.Context, teamID string, req domain.ExecuteRequest) (*domain.ExecuteResponse, error) {
	var resp domain.ExecuteResponse
	if err := c.call(ctx, ServiceName+".Execute", &ExecuteArgs{TeamID: teamID, Request: req}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a running execution.
func (c *Client) Cancel(ctx context.Context, executionID string) (*domain.CancelResponse, error) {
	var resp domain.CancelResponse
	if err := c.call(ctx, ServiceName+".Cancel", &ExecutionArgs{ExecutionID: executionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExecution returns the status and nodes of an execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionView, error) {
	var resp domain.ExecutionView
	if err := c.call(ctx, ServiceName+".GetExecution", &ExecutionArgs{ExecutionID: executionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadEvents returns one page of events strictly after the cursor.
func (c *Client) ReadEvents(ctx context.Context, executionID string, after *domain.Cursor, limit int) (*domain.EventPage, error) {
	args := &ReadEventsArgs{ExecutionID: executionID, Limit: limit}
	if after != nil {
		args.After = after.String()
	}
	var resp domain.EventPage
	if err := c.call(ctx, ServiceName+".ReadEvents", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if c.addr == "" {
		return fmt.Errorf("rpc address is not configured")
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
