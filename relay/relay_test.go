package relay_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sweeplab/sweep/internal/testutil"
	"github.com/sweeplab/sweep/logging"
	"github.com/sweeplab/sweep/relay"
	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

func startWriter(t *testing.T, backend storage.Service) (*relay.Writer, *relay.Sender) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "relay.sock")
	w := relay.NewWriter(backend, socket, logging.NewForTest())
	if err := w.Start(); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	s := relay.NewSender(socket)
	s.SetTimeout(5 * time.Second)
	return w, s
}

func storeResult(t *testing.T, s *relay.Sender, traj string, run int, path string, value any) {
	t.Helper()
	tc := trajectory.Context{Trajectory: traj, RunIndex: run}
	items := []trajectory.Item{trajectory.NewResult(path, value)}
	if err := s.Store(context.Background(), tc, items); err != nil {
		t.Fatalf("store %s: %v", path, err)
	}
}

func TestRelay_StoreRoundTrip(t *testing.T) {
	backend := storage.NewMemStore()
	w, s := startWriter(t, backend)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	storeResult(t, s, "demo", 0, "results.runs.run_00000000.out", 3.5)
	storeResult(t, s, "demo", 1, "results.runs.run_00000001.out", 7.0)

	if err := s.Done(context.Background()); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := w.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// After the drain both batches must be durable.
	tc := trajectory.Context{Trajectory: "demo", RunIndex: trajectory.IdxTrajectory}
	items, err := backend.Load(context.Background(), tc, []string{
		"results.runs.run_00000000.out",
		"results.runs.run_00000001.out",
	})
	if err != nil {
		t.Fatalf("load after drain: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("loaded %d items, want 2", len(items))
	}
	if v := items[0].(*trajectory.Result).Value(); v != 3.5 {
		t.Errorf("run 0 value = %v, want 3.5", v)
	}
}

func TestRelay_SingleSenderFIFO(t *testing.T) {
	backend := storage.NewMemStore()
	tracking := testutil.NewTrackingService(backend)
	w, s := startWriter(t, tracking)

	// Each batch carries its run record; the tracker logs apply order.
	var want []string
	for i := 0; i < 20; i++ {
		desc := &trajectory.RunDescriptor{
			Index:     i,
			TotalRuns: 20,
			Completed: true,
			Name:      trajectory.FormatRunName(i),
		}
		tc := trajectory.Context{Trajectory: "fifo", RunIndex: i}
		if err := s.Store(context.Background(), tc, []trajectory.Item{desc}); err != nil {
			t.Fatalf("store run %d: %v", i, err)
		}
		want = append(want, desc.Path())
	}

	if err := s.Done(context.Background()); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := w.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	got := tracking.StoreOrder()
	if len(got) != len(want) {
		t.Fatalf("applied %d batches, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("apply order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := tracking.Overlaps(); n != 0 {
		t.Errorf("backend entered concurrently %d times", n)
	}
}

func TestRelay_ConcurrentSenders(t *testing.T) {
	backend := storage.NewMemStore()
	tracking := testutil.NewTrackingService(backend)
	w, s := startWriter(t, tracking)

	const runs = 24
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sender := relay.NewSender(s.SocketPath())
			tc := trajectory.Context{Trajectory: "race", RunIndex: idx}
			items := []trajectory.Item{
				trajectory.NewResult(fmt.Sprintf("results.runs.%s.out", trajectory.FormatRunName(idx)), idx),
				&trajectory.RunDescriptor{Index: idx, TotalRuns: runs, Completed: true, Name: trajectory.FormatRunName(idx)},
			}
			errs <- sender.Store(context.Background(), tc, items)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent store: %v", err)
		}
	}

	if err := s.Done(context.Background()); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := w.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if n := tracking.Overlaps(); n != 0 {
		t.Errorf("backend entered concurrently %d times", n)
	}
	if got := backend.Len("race"); got != 2*runs {
		t.Errorf("stored %d items, want %d", got, 2*runs)
	}
	for i := 0; i < runs; i++ {
		done, err := backend.IsRunCompleted(context.Background(), "race", i)
		if err != nil || !done {
			t.Errorf("run %d completed = %v, %v; want true", i, done, err)
		}
	}
}

func TestRelay_ApplyFailureIsFatal(t *testing.T) {
	backend := storage.NewMemStore()
	failing := testutil.NewFailingService(backend)
	poisoned := "results.runs.run_00000002.out"
	failing.FailPath(poisoned, sweeperr.StorageFailed("store", errors.New("disk gone")))
	w, s := startWriter(t, failing)

	storeResult(t, s, "fatal", 0, "results.runs.run_00000000.out", 1)
	storeResult(t, s, "fatal", 1, "results.runs.run_00000001.out", 1)

	// Enqueue succeeds; the failure surfaces when the apply loop reaches
	// the batch and it brings the writer down.
	storeResult(t, s, "fatal", 2, poisoned, 1)

	err := w.Wait()
	if err == nil {
		t.Fatalf("wait should return the apply failure")
	}
	if !sweeperr.HasCode(err, sweeperr.CodeStorageFailed) {
		t.Errorf("error = %v, want code %s", err, sweeperr.CodeStorageFailed)
	}

	// Batches applied before the failure stay durable.
	tc := trajectory.Context{Trajectory: "fatal", RunIndex: trajectory.IdxTrajectory}
	if _, err := backend.Load(context.Background(), tc, []string{"results.runs.run_00000000.out"}); err != nil {
		t.Errorf("run 0 should remain durable: %v", err)
	}
	if _, err := backend.Load(context.Background(), tc, []string{poisoned}); err == nil {
		t.Errorf("poisoned batch must not be durable")
	}

	// The socket is gone; further stores cannot reach the writer.
	if err := s.Ping(context.Background()); err == nil {
		t.Errorf("ping should fail after writer stopped")
	}
}

func TestRelay_StoreAfterDoneRejected(t *testing.T) {
	backend := storage.NewMemStore()
	w, s := startWriter(t, backend)

	storeResult(t, s, "late", 0, "results.runs.run_00000000.out", 1)
	if err := s.Done(context.Background()); err != nil {
		t.Fatalf("done: %v", err)
	}

	// The done ack means the writer is already draining.
	tc := trajectory.Context{Trajectory: "late", RunIndex: 1}
	err := s.Store(context.Background(), tc, []trajectory.Item{trajectory.NewResult("results.runs.run_00000001.out", 1)})
	if err == nil {
		t.Fatalf("store after done should be rejected")
	}
	if !sweeperr.HasCode(err, sweeperr.CodeRelayRejected) {
		t.Errorf("error = %v, want code %s", err, sweeperr.CodeRelayRejected)
	}

	if err := w.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := backend.Len("late"); got != 1 {
		t.Errorf("stored %d items, want 1", got)
	}
}

func TestRelay_SenderUnsupportedOps(t *testing.T) {
	s := relay.NewSender(filepath.Join(t.TempDir(), "unused.sock"))
	tc := trajectory.Context{Trajectory: "x", RunIndex: 0}

	if _, err := s.Load(context.Background(), tc, []string{"a"}); !sweeperr.HasCode(err, sweeperr.CodeStorageUnsupported) {
		t.Errorf("load error = %v, want code %s", err, sweeperr.CodeStorageUnsupported)
	}
	if err := s.Remove(context.Background(), tc, "a", false); !sweeperr.HasCode(err, sweeperr.CodeStorageUnsupported) {
		t.Errorf("remove error = %v, want code %s", err, sweeperr.CodeStorageUnsupported)
	}
	if _, err := s.IsRunCompleted(context.Background(), "x", 0); !sweeperr.HasCode(err, sweeperr.CodeStorageUnsupported) {
		t.Errorf("is_run_completed error = %v, want code %s", err, sweeperr.CodeStorageUnsupported)
	}
}

func TestRelay_AwaitReady(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "relay.sock")
	s := relay.NewSender(socket)
	s.SetTimeout(time.Second)

	// No writer yet: polling runs out.
	err := s.AwaitReady(context.Background(), 200*time.Millisecond)
	if !sweeperr.HasCode(err, sweeperr.CodeRelayUnavailable) {
		t.Fatalf("error = %v, want code %s", err, sweeperr.CodeRelayUnavailable)
	}

	w := relay.NewWriter(storage.NewMemStore(), socket, logging.NewForTest())
	if err := w.Start(); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	if err := s.AwaitReady(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("await ready: %v", err)
	}
	if err := s.Done(context.Background()); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := w.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestRelay_MalformedLineGetsErrorResponse(t *testing.T) {
	w, s := startWriter(t, storage.NewMemStore())

	conn, err := net.Dial("unix", s.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := relay.ParseMessage(buf[:n])
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if _, ok := resp.(*relay.ErrorMessage); !ok {
		t.Errorf("response type = %T, want *relay.ErrorMessage", resp)
	}

	// Wait blocks until in-flight handlers finish, so the raw diagnostic
	// connection must be closed before the writer is asked to drain.
	conn.Close()

	if err := s.Done(context.Background()); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := w.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
