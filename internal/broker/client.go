package broker

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/specmem/specmem/internal/errors"
)

// roundTrip dials the worker socket, sends one request, and reads the
// response stream until the terminal frame. It returns the terminal
// message and the observed heartbeat count.
//
// The caller's context cancels the exchange: the connection is closed,
// which aborts a blocked read. A request the worker already accepted is
// allowed to complete on its side; the result is simply discarded.
func roundTrip(ctx context.Context, socketPath string, req request, deadline time.Duration, bufferCap int) (message, int, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return message{}, 0, errors.New(errors.ErrCodeSocketMissing,
			"worker socket does not exist", err)
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return message{}, 0, errors.New(errors.ErrCodeSocketMissing,
			"cannot connect to worker socket", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return message{}, 0, errors.Wrap(errors.ErrCodeSocketClosed, err)
	}

	if err := writeFrame(conn, req); err != nil {
		return message{}, 0, err
	}

	reader := newFrameReader(conn, bufferCap)
	heartbeats := 0
	for {
		msg, err := reader.next()
		if err != nil {
			if ctx.Err() != nil {
				return message{}, heartbeats, errors.New(errors.ErrCodeTimeout,
					"request cancelled", ctx.Err())
			}
			if ne, ok := underlyingNetError(err); ok && ne.Timeout() {
				return message{}, heartbeats, errors.New(errors.ErrCodeTimeout,
					"worker did not answer within the deadline", ne)
			}
			return message{}, heartbeats, err
		}

		if msg.Kind == msgProcessing {
			heartbeats++
			if heartbeats > MaxHeartbeats {
				return message{}, heartbeats, errors.Newf(errors.ErrCodeWorkerOverload,
					"worker emitted more than %d processing heartbeats", MaxHeartbeats)
			}
			continue
		}
		return msg, heartbeats, nil
	}
}

// probeHealth sends a health request and accepts any terminal reply.
// The worker sometimes decorates health replies with extra fields;
// anything that is not a processing heartbeat or an error counts as
// alive.
func probeHealth(ctx context.Context, socketPath string, deadline time.Duration) error {
	msg, _, err := roundTrip(ctx, socketPath, healthRequest(), deadline, SingleBufferCap)
	if err != nil {
		// Unknown-shaped health replies still mean the worker answered.
		if errors.HasCode(err, errors.ErrCodeInvalidResponse) {
			return nil
		}
		return err
	}
	if msg.Kind == msgError {
		return errors.Newf(errors.ErrCodeInvalidResponse, "worker health reported error: %s", msg.Err)
	}
	return nil
}

func underlyingNetError(err error) (net.Error, bool) {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			return ne, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
