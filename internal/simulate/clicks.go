// Package simulate generates synthetic click recordings for exercising the
// localization pipeline end to end.
package simulate

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/teslashibe/go-rtgun/internal/audio"
	"github.com/teslashibe/go-rtgun/internal/triangulate"
)

// Options configures a synthetic recording set
type Options struct {
	SampleRate int
	Duration   float64            // seconds per recording
	ClickAt    float64            // seconds into the recording, before delay
	Width      int                // click width in samples
	Amplitude  float32            // click level
	Delays     map[string]float64 // per-mic arrival delay in seconds
}

// DefaultOptions matches the reference three mic scenario
func DefaultOptions() Options {
	return Options{
		SampleRate: 48000,
		Duration:   2.0,
		ClickAt:    0.5,
		Width:      10,
		Amplitude:  1.0,
		Delays: map[string]float64{
			"M1": 0,
			"M2": 0.004,
			"M3": 0.008,
		},
	}
}

// Clicks returns one buffer per mic with a rectangular click placed at
// ClickAt plus that mic's delay.
func Clicks(opts Options) map[string][]float32 {
	n := int(opts.Duration * float64(opts.SampleRate))
	out := make(map[string][]float32, len(opts.Delays))

	for mic, delay := range opts.Delays {
		x := make([]float32, n)
		idx := int((opts.ClickAt + delay) * float64(opts.SampleRate))
		for i := idx; i < idx+opts.Width && i < n; i++ {
			if i >= 0 {
				x[i] = opts.Amplitude
			}
		}
		out[mic] = x
	}

	return out
}

// PlaneWaveDelays returns far-field arrival delays relative to the earliest
// mic for a source at azimuth degrees, so every delay is non-negative.
func PlaneWaveDelays(mics []triangulate.Mic, azimuth, speedOfSound float64) map[string]float64 {
	rad := azimuth * math.Pi / 180
	ux, uy := math.Cos(rad), math.Sin(rad)

	out := make(map[string]float64, len(mics))
	earliest := math.Inf(1)
	for _, m := range mics {
		t := -(m.X*ux + m.Y*uy) / speedOfSound
		out[m.ID] = t
		earliest = math.Min(earliest, t)
	}
	for id := range out {
		out[id] -= earliest
	}
	return out
}

// WriteRecordings writes each buffer as <stamp>_<mic>.wav under dir
func WriteRecordings(dir string, start time.Time, sampleRate int, buffers map[string][]float32) ([]string, error) {
	mics := make([]string, 0, len(buffers))
	for mic := range buffers {
		mics = append(mics, mic)
	}
	sort.Strings(mics)

	paths := make([]string, 0, len(mics))
	for _, mic := range mics {
		path := filepath.Join(dir, audio.RecordingName(start, mic, "wav"))
		if err := audio.WriteWAV(path, buffers[mic], sampleRate); err != nil {
			return paths, fmt.Errorf("failed to write %s recording: %w", mic, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
