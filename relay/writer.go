package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// queueDepth bounds how many store batches may sit between the socket
// handlers and the apply loop. Enqueueing blocks once it is full.
const queueDepth = 256

// Writer drains the relay queue into the real backend. It runs in the
// dedicated relay process (or a goroutine under in-process dispatch) and
// is the single writer of record while queue mode is active: batches are
// applied strictly in arrival order, and a failed apply is fatal to the
// whole sweep because the backend state after a failed write cannot be
// trusted.
type Writer struct {
	backend    storage.Service
	socketPath string
	logger     *slog.Logger

	listener net.Listener
	queue    chan *StoreMessage

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
	applyWG  sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
	draining bool
	applyErr error

	// Touched only by the apply loop; read after it has exited.
	applied   int
	discarded int

	doneCh   chan struct{}
	doneOnce sync.Once
	failCh   chan struct{}
	failOnce sync.Once
}

// NewWriter creates a writer that applies batches to backend and listens
// on socketPath. A nil logger falls back to slog.Default.
func NewWriter(backend storage.Service, socketPath string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		backend:    backend,
		socketPath: socketPath,
		logger:     logger,
		queue:      make(chan *StoreMessage, queueDepth),
		doneCh:     make(chan struct{}),
		failCh:     make(chan struct{}),
	}
}

// SocketPath returns the socket the writer listens on.
func (w *Writer) SocketPath() string {
	return w.socketPath
}

// Start begins listening and applying. It returns immediately; use Wait
// to block until the done sentinel has been received and drained.
func (w *Writer) Start() error {
	// Remove stale socket from a previous writer.
	if err := os.Remove(w.socketPath); err != nil && !os.IsNotExist(err) {
		return sweeperr.Wrapf(sweeperr.CodeRelayUnavailable, err, "cannot remove stale socket %s", w.socketPath)
	}

	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return sweeperr.RelayUnavailable(w.socketPath, err)
	}
	w.listener = listener

	w.applyWG.Add(1)
	go w.applyLoop()

	w.acceptWG.Add(1)
	go w.acceptLoop()

	w.logger.Info("relay writer listening", "socket", w.socketPath)
	return nil
}

// Wait blocks until the done sentinel arrives or a write fails, then
// tears the writer down: stop accepting, let in-flight handlers finish,
// drain the queue, remove the socket. It returns the first apply error.
func (w *Writer) Wait() error {
	select {
	case <-w.doneCh:
	case <-w.failCh:
	}

	w.mu.Lock()
	w.shutdown = true
	w.draining = true
	w.mu.Unlock()

	w.listener.Close()
	w.acceptWG.Wait()
	w.connWG.Wait()

	close(w.queue)
	w.applyWG.Wait()

	os.Remove(w.socketPath)

	if err := w.ApplyErr(); err != nil {
		w.logger.Error("relay writer stopped after failed write",
			"applied", w.applied, "discarded", w.discarded, "error", err)
		return err
	}
	w.logger.Info("relay writer drained", "applied", w.applied)
	return nil
}

// Run starts the writer and blocks until it has drained. This is the
// body of the relay process.
func (w *Writer) Run() error {
	if err := w.Start(); err != nil {
		return err
	}
	return w.Wait()
}

// ApplyErr returns the first backend failure, if any.
func (w *Writer) ApplyErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyErr
}

func (w *Writer) signalDone() {
	w.doneOnce.Do(func() {
		w.mu.Lock()
		w.draining = true
		w.mu.Unlock()
		close(w.doneCh)
	})
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.applyErr == nil {
		w.applyErr = err
	}
	w.mu.Unlock()
	w.failOnce.Do(func() { close(w.failCh) })
}

func (w *Writer) failed() bool {
	select {
	case <-w.failCh:
		return true
	default:
		return false
	}
}

// enqueue hands a store batch to the apply loop. The ack sent back after
// enqueue confirms queueing only; durability follows when the apply loop
// reaches the batch.
func (w *Writer) enqueue(m *StoreMessage) error {
	if w.failed() {
		return sweeperr.RelayRejected("writer stopped after a failed write")
	}
	w.mu.Lock()
	draining := w.draining
	w.mu.Unlock()
	if draining {
		return sweeperr.RelayRejected("writer is draining")
	}
	select {
	case w.queue <- m:
		return nil
	case <-w.failCh:
		return sweeperr.RelayRejected("writer stopped after a failed write")
	}
}

func (w *Writer) acceptLoop() {
	defer w.acceptWG.Done()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			w.mu.Lock()
			down := w.shutdown
			w.mu.Unlock()
			if !down {
				w.logger.Error("relay accept failed", "error", err)
			}
			return
		}
		w.connWG.Add(1)
		go w.handleConnection(conn)
	}
}

// handleConnection reads newline-delimited messages until the peer closes
// the connection, answering each with a single response line.
func (w *Writer) handleConnection(conn net.Conn) {
	defer w.connWG.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				w.logger.Debug("relay connection read failed", "error", err)
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		resp := w.handleMessage(line)
		if err := w.sendResponse(conn, resp); err != nil {
			w.logger.Warn("relay response write failed", "error", err)
			return
		}
	}
}

func (w *Writer) handleMessage(data []byte) any {
	msg, err := ParseMessage(data)
	if err != nil {
		w.logger.Warn("relay received malformed message", "error", err)
		return &ErrorMessage{Type: MsgError, Message: err.Error()}
	}

	switch m := msg.(type) {
	case *StoreMessage:
		if err := w.enqueue(m); err != nil {
			return errorResponse(err)
		}
		return &AckMessage{Type: MsgAck, Success: true}
	case *PingMessage:
		return &AckMessage{Type: MsgAck, Success: true}
	case *DoneMessage:
		w.logger.Info("relay received done sentinel")
		w.signalDone()
		return &AckMessage{Type: MsgAck, Success: true}
	default:
		w.logger.Warn("relay received unexpected message", "type", fmt.Sprintf("%T", msg))
		return &ErrorMessage{Type: MsgError, Message: fmt.Sprintf("unexpected message type: %T", msg)}
	}
}

// errorResponse converts an error into an ErrorMessage, carrying the
// code separately so the sender can rebuild a coded error.
func errorResponse(err error) *ErrorMessage {
	var serr *sweeperr.SweepError
	if errors.As(err, &serr) {
		return &ErrorMessage{Type: MsgError, Code: serr.Code, Message: serr.Message}
	}
	return &ErrorMessage{Type: MsgError, Message: err.Error()}
}

func (w *Writer) sendResponse(conn net.Conn, resp any) error {
	data, err := Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// applyLoop is the single consumer. It applies queued batches to the
// backend in arrival order. After the first failure the remaining batches
// are discarded so blocked handlers can still finish; the failure is
// fatal to the sweep either way.
func (w *Writer) applyLoop() {
	defer w.applyWG.Done()
	for m := range w.queue {
		if w.failed() {
			w.discarded++
			w.logger.Warn("discarding store batch after relay failure",
				"trajectory", m.Context.Trajectory, "run", m.Context.RunIndex)
			continue
		}
		items, err := trajectory.DecodeItems(m.Items)
		if err == nil {
			err = w.backend.Store(context.Background(), m.Context, items)
		}
		if err != nil {
			w.logger.Error("relay write failed",
				"trajectory", m.Context.Trajectory, "run", m.Context.RunIndex, "error", err)
			w.fail(err)
			continue
		}
		w.applied++
		w.logger.Debug("relay applied store batch",
			"trajectory", m.Context.Trajectory, "run", m.Context.RunIndex, "items", len(m.Items))
	}
}
