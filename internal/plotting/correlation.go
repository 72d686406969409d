// Package plotting renders diagnostic plots of delay estimation
package plotting

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/teslashibe/go-rtgun/internal/gccphat"
)

// maxPoints bounds the rendered curve for unbounded lag searches
const maxPoints = 4001

// CorrelationName returns the plot file name for a mic pair
func CorrelationName(reference, micID string) string {
	return fmt.Sprintf("gcc_%s_%s.png", reference, micID)
}

// CorrelationPNG renders the GCC-PHAT curve against lag in milliseconds,
// marking the refined peak.
func CorrelationPNG(dir, reference, micID string, res gccphat.Result, sampleRate int) (string, error) {
	if len(res.Correlation) == 0 {
		return "", fmt.Errorf("no correlation for %s", micID)
	}

	lo, hi := 0, len(res.Correlation)
	if hi > maxPoints {
		// keep the window around the peak
		center := res.Lag - res.Lags[0]
		lo = max(center-maxPoints/2, 0)
		hi = min(lo+maxPoints, len(res.Correlation))
	}

	ms := 1000 / float64(sampleRate)
	pts := make(plotter.XYs, hi-lo)
	for i := lo; i < hi; i++ {
		pts[i-lo].X = float64(res.Lags[i]) * ms
		pts[i-lo].Y = res.Correlation[i]
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("GCC-PHAT %s vs %s", reference, micID)
	p.X.Label.Text = "lag (ms)"
	p.Y.Label.Text = "correlation"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return "", fmt.Errorf("failed to build curve: %w", err)
	}
	p.Add(line, plotter.NewGrid())

	peak, err := plotter.NewScatter(plotter.XYs{{X: res.DelaySamples * ms, Y: res.Peak}})
	if err != nil {
		return "", fmt.Errorf("failed to build peak marker: %w", err)
	}
	p.Add(peak)
	p.Legend.Add("peak", peak)

	path := filepath.Join(dir, CorrelationName(reference, micID))
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}
