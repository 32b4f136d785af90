package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// ZMQSink is the producer end over a ZeroMQ PUSH socket dialing the sink URL
// of the streamer device. Safe for concurrent use.
type ZMQSink struct {
	sock zmq4.Socket
	mu   sync.Mutex
}

// NewZMQSink connects a PUSH socket to the streamer's sink endpoint.
func NewZMQSink(ctx context.Context, url string) (*ZMQSink, error) {
	sock := zmq4.NewPush(ctx)
	if err := sock.Dial(url); err != nil {
		return nil, fmt.Errorf("failed to dial task sink %s: %w", url, err)
	}

	return &ZMQSink{sock: sock}, nil
}

// Push sends one envelope to the streamer.
func (s *ZMQSink) Push(_ context.Context, task Task) error {
	raw, err := task.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sock.Send(zmq4.NewMsg(raw)); err != nil {
		return fmt.Errorf("failed to push task %s: %w", task.ID, err)
	}

	return nil
}

// Close closes the socket.
func (s *ZMQSink) Close() error {
	return s.sock.Close()
}

// ZMQSource is the worker end over a ZeroMQ PULL socket dialing the source
// URL of the streamer device. The pool's workers share one source, so Pull
// serializes receives; the mutex guards the socket, not the envelopes. Safe
// for concurrent use.
type ZMQSource struct {
	sock zmq4.Socket
	mu   sync.Mutex
}

// NewZMQSource connects a PULL socket to the streamer's source endpoint.
func NewZMQSource(ctx context.Context, url string) (*ZMQSource, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Dial(url); err != nil {
		return nil, fmt.Errorf("failed to dial task source %s: %w", url, err)
	}

	return &ZMQSource{sock: sock}, nil
}

// Pull blocks for the next envelope. Cancellation comes from the context the
// socket was created with.
func (s *ZMQSource) Pull(_ context.Context) (Task, error) {
	s.mu.Lock()
	msg, err := s.sock.Recv()
	s.mu.Unlock()

	if err != nil {
		return Task{}, fmt.Errorf("failed to pull task: %w", err)
	}

	return DecodeTask(msg.Bytes())
}

// Close closes the socket.
func (s *ZMQSource) Close() error {
	return s.sock.Close()
}

// Streamer is the forwarding device between producers and workers: it binds
// a PULL socket on the sink URL and a PUSH socket on the source URL, and
// forwards envelopes in arrival order. The PUSH side load-balances across
// connected workers.
type Streamer struct {
	pull   zmq4.Socket
	push   zmq4.Socket
	logger *slog.Logger
}

// NewStreamer binds both device endpoints.
func NewStreamer(ctx context.Context, sinkURL, sourceURL string, logger *slog.Logger) (*Streamer, error) {
	pull := zmq4.NewPull(ctx)
	if err := pull.Listen(sinkURL); err != nil {
		return nil, fmt.Errorf("failed to bind streamer sink %s: %w", sinkURL, err)
	}

	push := zmq4.NewPush(ctx)
	if err := push.Listen(sourceURL); err != nil {
		_ = pull.Close()

		return nil, fmt.Errorf("failed to bind streamer source %s: %w", sourceURL, err)
	}

	return &Streamer{pull: pull, push: push, logger: logger}, nil
}

// Run forwards envelopes until the context is canceled. Malformed messages
// are dropped with a log line; the device never inspects valid payloads.
func (d *Streamer) Run(ctx context.Context) error {
	for {
		msg, err := d.pull.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("streamer receive failed: %w", err)
		}

		if err := d.push.Send(msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			d.logger.Error("Failed to forward task", slog.String("error", err.Error()))
		}
	}
}

// Close closes both device sockets.
func (d *Streamer) Close() error {
	pullErr := d.pull.Close()
	pushErr := d.push.Close()

	if pullErr != nil {
		return pullErr
	}

	return pushErr
}

// Compile-time interface assertions.
var (
	_ Sink   = (*ZMQSink)(nil)
	_ Source = (*ZMQSource)(nil)
)
