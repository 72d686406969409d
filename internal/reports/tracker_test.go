package reports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/protocol"
	"github.com/teslashibe/go-rtgun/internal/timebase"
)

// MockRunner is a test mock for Runner
type MockRunner struct {
	mu    sync.Mutex
	az    float64
	err   error
	calls int
}

func (m *MockRunner) Sync(ctx context.Context, trigger time.Time) (*pipeline.SyncReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &pipeline.SyncReport{Trigger: trigger, Length: 10, DurationMS: 2}, nil
}

func (m *MockRunner) Locate(ctx context.Context, req pipeline.Request) (*pipeline.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	az := m.az
	return &pipeline.Report{
		Trigger:    req.Trigger,
		Reference:  "M1",
		Status:     timebase.StatusComplete,
		Azimuth:    &az,
		DurationMS: 4,
	}, nil
}

func (m *MockRunner) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

var trigger = time.Date(2025, 9, 16, 11, 0, 0, 0, time.UTC)

func TestTracker_Locate(t *testing.T) {
	runner := &MockRunner{az: 45}
	tracker := NewTracker(runner, 0, nil)

	if tracker.Latest() != nil {
		t.Fatal("expected no report before the first run")
	}

	report, err := tracker.Locate(context.Background(), pipeline.Request{Trigger: trigger})
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}

	if tracker.Latest() != report {
		t.Error("Latest() should return the recorded report")
	}

	stats := tracker.Stats()
	if stats.LocateCount != 1 || stats.ErrorCount != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.LastAzimuth == nil || *stats.LastAzimuth != 45 {
		t.Errorf("LastAzimuth = %v, want 45", stats.LastAzimuth)
	}
	if stats.AvgLatencyMs != 4 {
		t.Errorf("AvgLatencyMs = %v, want 4", stats.AvgLatencyMs)
	}
}

func TestTracker_Error(t *testing.T) {
	runner := &MockRunner{}
	runner.SetError(timebase.ErrNoDataForTrigger)
	tracker := NewTracker(runner, 0, nil)

	ch := tracker.Subscribe()
	defer tracker.Unsubscribe(ch)

	_, err := tracker.Locate(context.Background(), pipeline.Request{Trigger: trigger})
	if !errors.Is(err, timebase.ErrNoDataForTrigger) {
		t.Fatalf("expected ErrNoDataForTrigger, got %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Type != protocol.TypeError {
			t.Errorf("Type = %v, want error", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error message")
	}

	stats := tracker.Stats()
	if stats.ErrorCount != 1 || stats.LastError == "" {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tracker := NewTracker(&MockRunner{az: 90}, 0, nil)

	ch := tracker.Subscribe()

	if _, err := tracker.Sync(context.Background(), trigger); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, err := tracker.Locate(context.Background(), pipeline.Request{Trigger: trigger}); err != nil {
		t.Fatalf("Locate() error = %v", err)
	}

	want := []protocol.MessageType{protocol.TypeSync, protocol.TypeTDOA}
	for _, typ := range want {
		select {
		case msg := <-ch:
			if msg.Type != typ {
				t.Errorf("Type = %v, want %v", msg.Type, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", typ)
		}
	}

	tracker.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Unsubscribing twice is a no-op
	tracker.Unsubscribe(ch)
}

func TestTracker_HistoryLimit(t *testing.T) {
	tracker := NewTracker(&MockRunner{}, 3, nil)

	for i := range 5 {
		req := pipeline.Request{Trigger: trigger.Add(time.Duration(i) * time.Second)}
		if _, err := tracker.Locate(context.Background(), req); err != nil {
			t.Fatalf("Locate() error = %v", err)
		}
	}

	history := tracker.History()
	if len(history) != 3 {
		t.Fatalf("history size = %d, want 3", len(history))
	}
	if !history[0].Trigger.Equal(trigger.Add(2 * time.Second)) {
		t.Errorf("oldest kept trigger = %v", history[0].Trigger)
	}
	if !history[2].Trigger.Equal(tracker.Latest().Trigger) {
		t.Error("last history entry should be the latest report")
	}
}

func TestTracker_Stop(t *testing.T) {
	tracker := NewTracker(&MockRunner{}, 0, nil)
	ch := tracker.Subscribe()

	tracker.Stop()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Stop")
	}
	if tracker.Stats().SubscriberCount != 0 {
		t.Error("expected no subscribers after Stop")
	}
}
