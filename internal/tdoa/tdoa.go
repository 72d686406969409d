// Package tdoa estimates per-microphone arrival delays relative to a
// reference microphone.
package tdoa

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/sourcegraph/conc/iter"

	"github.com/teslashibe/go-rtgun/internal/gccphat"
	"github.com/teslashibe/go-rtgun/internal/timebase"
	"github.com/teslashibe/go-rtgun/internal/triangulate"
)

// ErrMissingReferenceMic is returned when the reference is not in the channel set
var ErrMissingReferenceMic = errors.New("missing reference mic")

// DelayEstimate is one microphone's arrival delay relative to the reference.
// Positive values mean the microphone hears the event after the reference.
type DelayEstimate struct {
	MicID        string  `json:"mic_id"`
	DelaySamples float64 `json:"delay_samples"`
	DelaySeconds float64 `json:"delay_seconds"`
	Peak         float64 `json:"peak"`

	// Raw pairwise result, kept for diagnostics
	Correlation gccphat.Result `json:"-"`
}

// ArrivalDelay converts a raw pairwise GCC-PHAT delay into the arrival
// convention used everywhere else: positive when the other mic lags the
// reference. This is the only place the sign is flipped.
func ArrivalDelay(raw float64) float64 {
	return -raw
}

// Estimator runs GCC-PHAT between a reference window and every other window
type Estimator struct {
	opts   gccphat.Options
	logger *slog.Logger
}

// NewEstimator creates an estimator
func NewEstimator(opts gccphat.Options, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{opts: opts, logger: logger}
}

// Estimate returns one DelayEstimate per window, reference first and the rest
// ordered by mic id. Pairs are estimated concurrently; each reads only the
// reference buffer and its own window.
func (e *Estimator) Estimate(res *timebase.Result, reference string) ([]DelayEstimate, error) {
	ref, ok := res.Window(reference)
	if !ok {
		return nil, fmt.Errorf("%w: %s not in %v", ErrMissingReferenceMic, reference, res.MicIDs())
	}

	others := make([]timebase.SyncedWindow, 0, len(res.Windows))
	for _, w := range res.Windows {
		if w.MicID != reference {
			others = append(others, w)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].MicID < others[j].MicID })

	fs := float64(res.SampleRate)
	estimates := iter.Map(others, func(w *timebase.SyncedWindow) DelayEstimate {
		raw := gccphat.Estimate(ref.Samples, w.Samples, res.SampleRate, e.opts)
		delay := ArrivalDelay(raw.DelaySamples)
		return DelayEstimate{
			MicID:        w.MicID,
			DelaySamples: delay,
			DelaySeconds: delay / fs,
			Peak:         raw.Peak,
			Correlation:  raw,
		}
	})

	out := make([]DelayEstimate, 0, len(estimates)+1)
	out = append(out, DelayEstimate{MicID: reference, Peak: 1})
	out = append(out, estimates...)

	for _, d := range out[1:] {
		if e.opts.MaxLag > 0 && d.Correlation.AtEdge() {
			e.logger.Warn("delay peak at the max lag bound",
				"reference", reference,
				"mic", d.MicID,
				"delay_seconds", d.DelaySeconds,
				"max_lag_s", e.opts.MaxLag,
			)
		}
		e.logger.Debug("tdoa estimate",
			"reference", reference,
			"mic", d.MicID,
			"delay_samples", d.DelaySamples,
			"delay_seconds", d.DelaySeconds,
			"peak", d.Peak,
		)
	}

	return out, nil
}

// Seconds returns the per-mic delays in seconds, excluding the reference
func Seconds(estimates []DelayEstimate, reference string) map[string]float64 {
	out := make(map[string]float64, len(estimates))
	for _, d := range estimates {
		if d.MicID == reference {
			continue
		}
		out[d.MicID] = d.DelaySeconds
	}
	return out
}

// MaxLagFromGeometry returns the longest baseline travel time in seconds,
// the largest physically plausible delay for the array, plus one sample of
// slack at sampleRate so a delay at the bound stays inside the search.
func MaxLagFromGeometry(mics []triangulate.Mic, speedOfSound float64, sampleRate int) float64 {
	if speedOfSound <= 0 {
		return 0
	}
	var longest float64
	for i := range mics {
		for j := i + 1; j < len(mics); j++ {
			dx := mics[i].X - mics[j].X
			dy := mics[i].Y - mics[j].Y
			dz := mics[i].Z - mics[j].Z
			longest = math.Max(longest, math.Sqrt(dx*dx+dy*dy+dz*dz))
		}
	}
	bound := longest / speedOfSound
	if sampleRate > 0 {
		bound += 1 / float64(sampleRate)
	}
	return bound
}
