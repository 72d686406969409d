package server

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/protocol"
	"github.com/teslashibe/go-rtgun/internal/reports"
)

// blockingRunner holds every run until its context ends
type blockingRunner struct {
	started chan struct{}
	result  chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 1),
		result:  make(chan error, 1),
	}
}

func (r *blockingRunner) Sync(ctx context.Context, trigger time.Time) (*pipeline.SyncReport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *blockingRunner) Locate(ctx context.Context, req pipeline.Request) (*pipeline.Report, error) {
	r.started <- struct{}{}
	<-ctx.Done()
	r.result <- ctx.Err()
	return nil, ctx.Err()
}

func TestWSHub_CloseBeforeStart(t *testing.T) {
	tracker := reports.NewTracker(newBlockingRunner(), 10, nil)
	defer tracker.Stop()
	hub := NewWSHub(tracker, slog.Default())

	closed := make(chan struct{})
	go func() {
		hub.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close() blocked on a hub that never started")
	}

	// A late Start must not leave a forwarding loop behind
	hub.Start(context.Background())
	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub kept running after Close()")
	}

	if got := tracker.Stats().SubscriberCount; got != 0 {
		t.Errorf("subscribers = %d, want 0", got)
	}
}

func TestWSHub_StopsWithStartContext(t *testing.T) {
	tracker := reports.NewTracker(newBlockingRunner(), 10, nil)
	defer tracker.Stop()
	hub := NewWSHub(tracker, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	hub.Start(ctx)
	cancel()

	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop when its context ended")
	}
	hub.Close()
}

func TestWSHub_CloseCancelsLocate(t *testing.T) {
	runner := newBlockingRunner()
	tracker := reports.NewTracker(runner, 10, nil)
	defer tracker.Stop()
	hub := NewWSHub(tracker, slog.Default())
	hub.Start(context.Background())

	msg, err := protocol.NewMessage(protocol.TypeLocate, protocol.LocateCommand{
		Trigger: "2025-09-16T11:00:00.5Z",
	})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	returned := make(chan *protocol.Message, 1)
	go func() {
		returned <- hub.locate(msg)
	}()

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("locate never reached the runner")
	}

	hub.Close()

	select {
	case err := <-runner.result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run ended with %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not cancel the in-flight locate")
	}

	if reply := <-returned; reply != nil {
		t.Errorf("failed runs are broadcast, got direct reply %+v", reply)
	}
}
