// Package timebase cuts a common absolute-time window out of independently
// clocked per-microphone recordings.
package timebase

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

var (
	// ErrNoDataForTrigger is returned when no channel covers the trigger
	ErrNoDataForTrigger = errors.New("no data for trigger")

	// ErrSampleRateMismatch is returned when a channel's native rate differs
	// from the configured rate. Resampling is not performed.
	ErrSampleRateMismatch = errors.New("sample rate mismatch")
)

// RawChannel is one microphone's mono recording tagged with its absolute start
type RawChannel struct {
	MicID          string
	Samples        []float32
	SampleRate     int
	RecordingStart time.Time
}

// Coverage describes how much of a window was backed by recorded audio
type Coverage string

const (
	CoverageFull    Coverage = "full"    // every sample came from the recording
	CoveragePartial Coverage = "partial" // window overlaps the recording edge
	CoverageSilent  Coverage = "silent"  // window lies entirely outside the recording
)

// Status summarises the coverage of all windows of one trigger
type Status string

const (
	StatusComplete Status = "complete"
	StatusDegraded Status = "degraded"
)

// SyncedWindow is one microphone's slice of the shared absolute window
type SyncedWindow struct {
	MicID       string    `json:"mic_id"`
	Samples     []float32 `json:"-"`
	SampleRate  int       `json:"sample_rate"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Coverage    Coverage  `json:"coverage"`

	// Index of the window start in the source recording; may be negative
	SourceOffset int64 `json:"source_offset"`
}

// Options configures window extraction
type Options struct {
	SampleRate int
	PreMargin  float64 // seconds before the trigger
	PostMargin float64 // seconds after the trigger
}

// Result is the set of synchronized windows for one trigger
type Result struct {
	Trigger     time.Time      `json:"trigger"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	SampleRate  int            `json:"sample_rate"`
	Length      int            `json:"length"`
	Status      Status         `json:"status"`
	Windows     []SyncedWindow `json:"windows"`
}

// Window returns the window for micID
func (r *Result) Window(micID string) (SyncedWindow, bool) {
	for _, w := range r.Windows {
		if w.MicID == micID {
			return w, true
		}
	}
	return SyncedWindow{}, false
}

// MicIDs returns the mic ids in window order
func (r *Result) MicIDs() []string {
	ids := make([]string, len(r.Windows))
	for i, w := range r.Windows {
		ids[i] = w.MicID
	}
	return ids
}

// Degraded returns the windows that are not fully covered
func (r *Result) Degraded() []SyncedWindow {
	var out []SyncedWindow
	for _, w := range r.Windows {
		if w.Coverage != CoverageFull {
			out = append(out, w)
		}
	}
	return out
}

// Synchronize extracts [trigger-pre, trigger+post] from every channel.
// Portions of the window outside a recording are zero filled. The output is
// ordered by mic id regardless of input order.
func Synchronize(trigger time.Time, channels []RawChannel, opts Options) (*Result, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDataForTrigger, timeutil.FormatISO(trigger))
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", opts.SampleRate)
	}
	if opts.PreMargin < 0 || opts.PostMargin < 0 || opts.PreMargin+opts.PostMargin <= 0 {
		return nil, fmt.Errorf("invalid window margins: pre=%v post=%v", opts.PreMargin, opts.PostMargin)
	}

	fs := opts.SampleRate
	windowStart := timeutil.Shift(trigger, -opts.PreMargin)
	windowEnd := timeutil.Shift(trigger, opts.PostMargin)

	// The length comes from the shared window only, so every channel gets
	// the same number of samples even when its own start offset rounds on a tie.
	length := timeutil.SampleOffset(windowStart, windowEnd, fs)

	seen := make(map[string]struct{}, len(channels))
	windows := make([]SyncedWindow, 0, len(channels))

	for _, ch := range channels {
		if _, dup := seen[ch.MicID]; dup {
			return nil, fmt.Errorf("duplicate channel for mic %s", ch.MicID)
		}
		seen[ch.MicID] = struct{}{}

		if ch.SampleRate != fs {
			return nil, fmt.Errorf("%w: mic %s has %d Hz, expected %d Hz",
				ErrSampleRateMismatch, ch.MicID, ch.SampleRate, fs)
		}

		start := timeutil.SampleOffset(ch.RecordingStart, windowStart, fs)
		samples, coverage := padSlice(ch.Samples, start, start+length)

		windows = append(windows, SyncedWindow{
			MicID:        ch.MicID,
			Samples:      samples,
			SampleRate:   fs,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			Coverage:     coverage,
			SourceOffset: start,
		})
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].MicID < windows[j].MicID
	})

	status := StatusComplete
	for _, w := range windows {
		if w.Coverage != CoverageFull {
			status = StatusDegraded
			break
		}
	}

	return &Result{
		Trigger:     trigger,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		SampleRate:  fs,
		Length:      int(length),
		Status:      status,
		Windows:     windows,
	}, nil
}

// padSlice copies x[start:end] into a fresh buffer, filling indices outside
// [0, len(x)) with silence.
func padSlice(x []float32, start, end int64) ([]float32, Coverage) {
	out := make([]float32, end-start)
	n := int64(len(x))

	lo := max(start, 0)
	hi := min(end, n)
	if hi <= lo {
		return out, CoverageSilent
	}

	copy(out[lo-start:], x[lo:hi])

	if lo == start && hi == end {
		return out, CoverageFull
	}
	return out, CoveragePartial
}
