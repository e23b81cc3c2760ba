// Package client talks to a running SpecMem instance over its control
// socket. The CLI and editor hooks use it for health checks, stats,
// and lifecycle verbs without touching the MCP transport.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/index"
	"github.com/specmem/specmem/internal/instance"
	"github.com/specmem/specmem/internal/project"
)

// IndexCounts summarizes index coverage: how much of the tree is
// persisted and how many rows still await vectors.
type IndexCounts struct {
	FilesTotal        int       `json:"filesTotal"`
	Indexed           int       `json:"indexed"`
	PendingEmbeddings int       `json:"pendingEmbeddings"`
	LastBatchAt       time.Time `json:"lastBatchAt,omitzero"`
}

// StatsPayload is the decoded stats verb reply.
type StatsPayload struct {
	Instance instance.Record    `json:"instance"`
	Broker   broker.Stats       `json:"broker"`
	Pipeline index.Progress     `json:"pipeline"`
	Index    IndexCounts        `json:"index"`
	Load     governor.Snapshot  `json:"load"`
	Counters map[string]float64 `json:"counters,omitempty"`
}

// Status is the health verb reply.
type Status struct {
	PID    int
	Uptime string
}

// Client holds the socket path of one instance.
type Client struct {
	socketPath string
}

// New resolves the project and returns a client for its instance
// socket. The instance itself need not be running.
func New(projectPath string) (*Client, error) {
	p, err := project.Resolve(projectPath)
	if err != nil {
		return nil, err
	}
	return &Client{socketPath: p.InstanceSocketPath()}, nil
}

// ForSocket returns a client for an explicit socket path.
func ForSocket(path string) *Client {
	return &Client{socketPath: path}
}

// SocketPath returns the socket this client targets.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// NotRunning reports whether err means no instance answered on the
// socket.
func NotRunning(err error) bool {
	return errors.HasCode(err, errors.ErrCodeSocketMissing)
}

func (c *Client) probe(ctx context.Context, op string) (*instance.ControlReply, error) {
	reply, err := instance.Probe(ctx, c.socketPath, op)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSocketMissing, "no running instance", err)
	}
	if reply.Status != "ok" {
		return nil, errors.Newf(errors.ErrCodeProtocolError, "instance refused %s: %s", op, reply.Error)
	}
	return reply, nil
}

// Health asks the instance for its pid and uptime.
func (c *Client) Health(ctx context.Context) (*Status, error) {
	reply, err := c.probe(ctx, instance.OpHealth)
	if err != nil {
		return nil, err
	}
	return &Status{PID: reply.PID, Uptime: reply.Uptime}, nil
}

// Ping checks liveness and discards the reply body.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.probe(ctx, instance.OpPing)
	return err
}

// Stats fetches and decodes the full stats payload.
func (c *Client) Stats(ctx context.Context) (*StatsPayload, error) {
	reply, err := c.probe(ctx, instance.OpStats)
	if err != nil {
		return nil, err
	}
	if len(reply.Stats) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidResponse, "stats reply carried no payload", nil)
	}
	var payload StatsPayload
	if err := json.Unmarshal(reply.Stats, &payload); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidResponse, "malformed stats payload", err)
	}
	return &payload, nil
}

// Shutdown asks the instance to stop. Returns the pid that accepted
// the verb.
func (c *Client) Shutdown(ctx context.Context) (int, error) {
	reply, err := c.probe(ctx, instance.OpShutdown)
	if err != nil {
		return 0, err
	}
	return reply.PID, nil
}

// Restart asks the instance to re-exec in place.
func (c *Client) Restart(ctx context.Context) (int, error) {
	reply, err := c.probe(ctx, instance.OpRestart)
	if err != nil {
		return 0, err
	}
	return reply.PID, nil
}
