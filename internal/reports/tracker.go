// Package reports runs localization requests, keeps recent results and fans
// them out to subscribers.
package reports

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-rtgun/internal/metrics"
	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/protocol"
)

// Runner executes pipeline operations
type Runner interface {
	Sync(ctx context.Context, trigger time.Time) (*pipeline.SyncReport, error)
	Locate(ctx context.Context, req pipeline.Request) (*pipeline.Report, error)
}

// DefaultHistorySize is the number of reports kept in memory
const DefaultHistorySize = 100

// Tracker serializes pipeline runs and records their outcomes
type Tracker struct {
	runner      Runner
	historySize int
	logger      *slog.Logger

	// One run at a time; runs are CPU bound
	runMu sync.Mutex

	mu      sync.RWMutex
	latest  *pipeline.Report
	history []*pipeline.Report

	// Metrics
	syncCount      int64
	locateCount    int64
	errorCount     int64
	totalLatencyMs float64
	lastError      string

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan *protocol.Message]struct{}
}

// NewTracker creates a new report tracker
func NewTracker(runner Runner, historySize int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	return &Tracker{
		runner:      runner,
		historySize: historySize,
		logger:      logger,
		history:     make([]*pipeline.Report, 0, historySize),
		subs:        make(map[chan *protocol.Message]struct{}),
	}
}

// Sync runs window extraction and notifies subscribers
func (t *Tracker) Sync(ctx context.Context, trigger time.Time) (*pipeline.SyncReport, error) {
	t.runMu.Lock()
	report, err := t.runner.Sync(ctx, trigger)
	t.runMu.Unlock()

	if err != nil {
		t.recordError(metrics.OpSync, trigger, err)
		return nil, err
	}

	t.mu.Lock()
	t.syncCount++
	t.totalLatencyMs += report.DurationMS
	t.mu.Unlock()

	if msg, err := protocol.NewSyncMessage(report); err == nil {
		t.notifySubscribers(msg)
	}
	return report, nil
}

// Locate runs localization, records the report and notifies subscribers
func (t *Tracker) Locate(ctx context.Context, req pipeline.Request) (*pipeline.Report, error) {
	t.runMu.Lock()
	report, err := t.runner.Locate(ctx, req)
	t.runMu.Unlock()

	if err != nil {
		t.recordError(metrics.OpTDOA, req.Trigger, err)
		return nil, err
	}

	t.mu.Lock()
	t.locateCount++
	t.totalLatencyMs += report.DurationMS
	t.latest = report
	t.appendHistory(report)
	t.mu.Unlock()

	if msg, err := protocol.NewTDOAMessage(report); err == nil {
		t.notifySubscribers(msg)
	} else {
		t.logger.Warn("failed to encode report", "error", err)
	}
	return report, nil
}

func (t *Tracker) recordError(op string, trigger time.Time, err error) {
	t.mu.Lock()
	t.errorCount++
	t.lastError = err.Error()
	t.mu.Unlock()

	t.logger.Warn("run failed", "op", op, "trigger", trigger, "error", err)

	if msg, merr := protocol.NewErrorMessage(op, trigger, err); merr == nil {
		t.notifySubscribers(msg)
	}
}

func (t *Tracker) appendHistory(report *pipeline.Report) {
	t.history = append(t.history, report)

	// Trim history
	if len(t.history) > t.historySize {
		// Shift instead of slice to avoid memory leak
		copy(t.history, t.history[1:])
		t.history[len(t.history)-1] = nil
		t.history = t.history[:t.historySize]
	}
}

func (t *Tracker) notifySubscribers(msg *protocol.Message) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for ch := range t.subs {
		select {
		case ch <- msg:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives report messages
func (t *Tracker) Subscribe() chan *protocol.Message {
	ch := make(chan *protocol.Message, 10) // Buffer to avoid blocking

	t.subsMu.Lock()
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (t *Tracker) Unsubscribe(ch chan *protocol.Message) {
	t.subsMu.Lock()
	if _, exists := t.subs[ch]; exists {
		delete(t.subs, ch)
		close(ch)
	}
	t.subsMu.Unlock()
}

// Latest returns the most recent localization report, nil before the first
func (t *Tracker) Latest() *pipeline.Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// History returns recent reports, oldest first
func (t *Tracker) History() []*pipeline.Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*pipeline.Report, len(t.history))
	copy(out, t.history)
	return out
}

// Stats returns tracker statistics
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	runs := t.syncCount + t.locateCount
	avgLatency := float64(0)
	if runs > 0 {
		avgLatency = t.totalLatencyMs / float64(runs)
	}

	stats := Stats{
		SyncCount:       t.syncCount,
		LocateCount:     t.locateCount,
		ErrorCount:      t.errorCount,
		AvgLatencyMs:    avgLatency,
		HistorySize:     len(t.history),
		SubscriberCount: t.subscriberCount(),
		LastError:       t.lastError,
	}
	if t.latest != nil {
		trigger := t.latest.Trigger
		stats.LastTrigger = &trigger
		stats.LastAzimuth = t.latest.Azimuth
	}
	return stats
}

func (t *Tracker) subscriberCount() int {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()
	return len(t.subs)
}

// Stats contains tracker statistics
type Stats struct {
	SyncCount       int64      `json:"sync_count"`
	LocateCount     int64      `json:"locate_count"`
	ErrorCount      int64      `json:"error_count"`
	AvgLatencyMs    float64    `json:"avg_latency_ms"`
	HistorySize     int        `json:"history_size"`
	SubscriberCount int        `json:"subscriber_count"`
	LastTrigger     *time.Time `json:"last_trigger,omitempty"`
	LastAzimuth     *float64   `json:"last_azimuth_deg,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Stop closes all subscriber channels
func (t *Tracker) Stop() {
	t.subsMu.Lock()
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	t.subsMu.Unlock()
}
