package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// Sender is the storage handle installed on workers under queue mode.
// Store forwards the batch to the writer and returns once the writer has
// queued it; everything else is unsupported because workers never read
// the store while a sweep is running.
type Sender struct {
	socketPath string
	timeout    time.Duration
}

var _ storage.Service = (*Sender)(nil)

// NewSender creates a sender talking to the writer at socketPath.
func NewSender(socketPath string) *Sender {
	return &Sender{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// NewSenderForTrajectory creates a sender for a trajectory's default
// relay socket.
func NewSenderForTrajectory(trajectoryName string) *Sender {
	return NewSender(SocketPath(trajectoryName))
}

// SetTimeout sets the connection and read/write timeout.
func (s *Sender) SetTimeout(timeout time.Duration) {
	s.timeout = timeout
}

// SocketPath returns the socket the sender dials.
func (s *Sender) SocketPath() string {
	return s.socketPath
}

// Store serializes the items and forwards them to the writer. It returns
// once the batch is queued; successive Store calls from the same sender
// therefore become durable in program order, because each call waits for
// its queue ack before the next one is issued.
func (s *Sender) Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error {
	envs, err := trajectory.EncodeItems(items)
	if err != nil {
		return err
	}
	resp, err := s.send(ctx, &StoreMessage{Type: MsgStore, Context: tc, Items: envs})
	if err != nil {
		return err
	}
	return ackOrError(resp)
}

// Load is not available through the relay.
func (s *Sender) Load(ctx context.Context, tc trajectory.Context, keys []string) ([]trajectory.Item, error) {
	return nil, sweeperr.StorageUnsupported("relay sender", "load")
}

// Remove is not available through the relay.
func (s *Sender) Remove(ctx context.Context, tc trajectory.Context, key string, cascade bool) error {
	return sweeperr.StorageUnsupported("relay sender", "remove")
}

// IsRunCompleted is not available through the relay; completion queries
// go to the direct backend, which the orchestrator keeps for itself.
func (s *Sender) IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error) {
	return false, sweeperr.StorageUnsupported("relay sender", "is_run_completed")
}

// Done sends the termination sentinel. The writer acknowledges it, drains
// what is already queued and exits.
func (s *Sender) Done(ctx context.Context) error {
	resp, err := s.send(ctx, &DoneMessage{Type: MsgDone})
	if err != nil {
		return err
	}
	return ackOrError(resp)
}

// Ping probes the writer.
func (s *Sender) Ping(ctx context.Context) error {
	resp, err := s.send(ctx, &PingMessage{Type: MsgPing})
	if err != nil {
		return err
	}
	return ackOrError(resp)
}

// AwaitReady polls the writer until a ping succeeds or the deadline
// passes. The orchestrator calls this between spawning the relay process
// and dispatching the first worker.
func (s *Sender) AwaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		lastErr = s.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return sweeperr.RelayUnavailable(s.socketPath, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// send dials the writer, writes one message line and reads one response
// line. Each call uses a fresh connection.
func (s *Sender) send(ctx context.Context, msg Message) (any, error) {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return nil, sweeperr.RelayUnavailable(s.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, sweeperr.RelayUnavailable(s.socketPath, err)
	}

	data, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return nil, sweeperr.RelayUnavailable(s.socketPath, err)
	}

	reader := bufio.NewReader(conn)
	responseLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, sweeperr.RelayUnavailable(s.socketPath, err)
	}

	response, err := ParseMessage(responseLine)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return response, nil
}

// ackOrError maps a writer response to an error value.
func ackOrError(resp any) error {
	switch r := resp.(type) {
	case *AckMessage:
		if !r.Success {
			return sweeperr.RelayRejected("request not acknowledged")
		}
		return nil
	case *ErrorMessage:
		if r.Code != "" {
			return sweeperr.New(r.Code, r.Message)
		}
		return sweeperr.RelayRejected(r.Message)
	default:
		return sweeperr.RelayRejected(fmt.Sprintf("unexpected response type %T", resp))
	}
}
