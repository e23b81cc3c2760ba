package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/specmem/specmem/internal/errors"
)

// Instance socket control protocol: one JSON request object per
// connection, one JSON reply, then the server closes the connection.

// Control verbs served on the instance-lock socket.
const (
	OpHealth   = "health"
	OpStats    = "stats"
	OpPing     = "ping"
	OpShutdown = "shutdown"
	OpRestart  = "restart"
)

// probeTimeout is the deadline for deciding whether a socket's owner
// is alive during stale cleanup.
const probeTimeout = 500 * time.Millisecond

// ControlRequest is one verb sent to the instance socket.
type ControlRequest struct {
	Op string `json:"op"`
}

// ControlReply is the single reply per connection.
type ControlReply struct {
	Status string          `json:"status"`
	PID    int             `json:"pid,omitempty"`
	Uptime string          `json:"uptime,omitempty"`
	Stats  json.RawMessage `json:"stats,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatsFunc produces the stats payload for the stats verb.
type StatsFunc func() any

// LockServer owns the bound instance-lock socket. The bind itself is
// the mutex: either this process owns the socket path or it does not.
type LockServer struct {
	path     string
	logger   *slog.Logger
	started  time.Time
	statsFn  StatsFunc
	shutdown func()
	restart  func()

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup
}

// NewLockServer prepares an unbound lock server.
func NewLockServer(path string, logger *slog.Logger) *LockServer {
	return &LockServer{path: path, logger: logger}
}

// SetStatsFunc wires the stats verb payload.
func (s *LockServer) SetStatsFunc(fn StatsFunc) { s.statsFn = fn }

// SetShutdownFunc wires the shutdown verb; the function must not block.
func (s *LockServer) SetShutdownFunc(fn func()) { s.shutdown = fn }

// SetRestartFunc wires the restart verb; the function must not block.
func (s *LockServer) SetRestartFunc(fn func()) { s.restart = fn }

// Bind atomically claims the socket path. A bind that races another
// process fails cleanly and reports whether the path was in use.
func (s *LockServer) Bind() error {
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.New(errors.ErrCodeConcurrentStartup,
			"instance lock socket is held", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()
	return nil
}

// Serve accepts control connections until the context ends. Bind must
// have succeeded first.
func (s *LockServer) Serve(ctx context.Context) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || ctx.Err() != nil {
				break
			}
			if s.logger != nil {
				s.logger.Warn("instance socket accept failed", slog.String("error", err.Error()))
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
	s.wg.Wait()
}

// handle serves exactly one request and reply, then closes.
func (s *LockServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var req ControlRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(ControlReply{Status: "error", Error: "bad request"})
		return
	}

	reply := s.dispatch(req)
	_ = json.NewEncoder(conn).Encode(reply)
}

func (s *LockServer) dispatch(req ControlRequest) ControlReply {
	switch req.Op {
	case OpHealth, OpPing:
		return ControlReply{
			Status: "ok",
			PID:    os.Getpid(),
			Uptime: time.Since(s.started).Round(time.Second).String(),
		}

	case OpStats:
		reply := ControlReply{Status: "ok", PID: os.Getpid()}
		if s.statsFn != nil {
			if data, err := json.Marshal(s.statsFn()); err == nil {
				reply.Stats = data
			}
		}
		return reply

	case OpShutdown:
		if s.shutdown != nil {
			s.shutdown()
		}
		return ControlReply{Status: "ok", PID: os.Getpid()}

	case OpRestart:
		if s.restart != nil {
			s.restart()
		}
		return ControlReply{Status: "ok", PID: os.Getpid()}

	default:
		return ControlReply{Status: "error", Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// Close releases the socket. Idempotent.
func (s *LockServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener != nil {
		_ = s.listener.Close()
		_ = os.Remove(s.path)
	}
}

// Probe connects to an instance socket and sends one verb. Used both
// by stale-socket cleanup and by the CLI client.
func Probe(ctx context.Context, path, op string) (*ControlReply, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(probeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := json.NewEncoder(conn).Encode(ControlRequest{Op: op}); err != nil {
		return nil, err
	}
	var reply ControlReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// probeAlive reports whether a live instance answers health on the
// socket within the probe deadline.
func probeAlive(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	reply, err := Probe(ctx, path, OpHealth)
	if err != nil {
		return false
	}
	return reply.Status == "ok" && looksLikeService(reply.PID)
}
