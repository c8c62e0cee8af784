package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gamectl/internal/admin"
	"github.com/danmuck/gamectl/internal/supervisor"
	"github.com/danmuck/gamectl/internal/telemetry"
)

const (
	defaultDialTimeout = 3 * time.Second
	// Start may wait out a replace plus the grace interval.
	defaultCallTimeout = 45 * time.Second
)

var ErrAdminAddrRequired = errors.New("client: admin addr required")

// RemoteError is a failure reported by the admin endpoint itself.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: %s failed: %s", e.Action, e.Message)
}

// AdminClient keeps one persistent admin connection and redials after failures.
type AdminClient struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func NewAdminClient(addr string) *AdminClient {
	return &AdminClient{
		addr:        strings.TrimSpace(addr),
		dialTimeout: defaultDialTimeout,
		callTimeout: defaultCallTimeout,
	}
}

// WithCallTimeout bounds each request/response exchange.
func (c *AdminClient) WithCallTimeout(d time.Duration) *AdminClient {
	if d > 0 {
		c.callTimeout = d
	}
	return c
}

func (c *AdminClient) Address() string {
	return c.addr
}

func (c *AdminClient) Start(ctx context.Context) (supervisor.StartResult, error) {
	var out supervisor.StartResult
	if err := c.call(ctx, admin.ActionStart, &out); err != nil {
		return supervisor.StartResult{}, err
	}
	return out, nil
}

func (c *AdminClient) Stop(ctx context.Context) (supervisor.StopResult, error) {
	var out supervisor.StopResult
	if err := c.call(ctx, admin.ActionStop, &out); err != nil {
		return supervisor.StopResult{}, err
	}
	return out, nil
}

func (c *AdminClient) Status(ctx context.Context) (supervisor.Status, error) {
	var out supervisor.Status
	if err := c.call(ctx, admin.ActionStatus, &out); err != nil {
		return supervisor.Status{}, err
	}
	return out, nil
}

func (c *AdminClient) TelemetryStats(ctx context.Context) (telemetry.Stats, error) {
	var out telemetry.Stats
	if err := c.call(ctx, admin.ActionTelemetry, &out); err != nil {
		return telemetry.Stats{}, err
	}
	return out, nil
}

// Close terminates the persistent admin connection.
func (c *AdminClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}

func (c *AdminClient) call(ctx context.Context, action string, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.resetConn()
		return err
	}
	if err := admin.WriteRequest(c.conn, admin.Request{Action: action}); err != nil {
		c.resetConn()
		return err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.resetConn()
		return err
	}

	var resp admin.RawResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return &RemoteError{Action: action, Message: strings.TrimSpace(resp.Error)}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

func (c *AdminClient) ensureConn(ctx context.Context) error {
	if c.addr == "" {
		return ErrAdminAddrRequired
	}
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *AdminClient) resetConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}
