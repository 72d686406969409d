// Package gccphat estimates sub-sample delays between two buffers using
// generalized cross-correlation with phase transform weighting.
package gccphat

import (
	"math"
	"math/bits"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// DefaultRegularization stabilizes the PHAT normalization for empty bins
const DefaultRegularization = 1e-12

// Options configures a single pairwise estimate
type Options struct {
	// MaxLag limits the search to ±MaxLag seconds. Zero searches every lag.
	MaxLag float64

	// Regularization is added to |R| before normalizing each bin.
	Regularization float64
}

// DefaultOptions returns an unbounded search with the default regularizer
func DefaultOptions() Options {
	return Options{Regularization: DefaultRegularization}
}

// Result is the outcome of one pairwise estimate.
//
// DelaySamples is in the raw correlation convention: positive when a lags b.
type Result struct {
	DelaySamples float64 `json:"delay_samples"`
	Peak         float64 `json:"peak"`
	Lag          int     `json:"lag"`
	Fraction     float64 `json:"fraction"`

	// Correlation holds the lag-centered correlation restricted to the
	// searched lag window, with Lags giving the lag of each entry.
	Correlation []float64 `json:"-"`
	Lags        []int     `json:"-"`
}

// Estimate returns the delay between reference a and b at sampleRate Hz
func Estimate(a, b []float32, sampleRate int, opts Options) Result {
	if len(a) == 0 || len(b) == 0 {
		return Result{}
	}
	eps := opts.Regularization
	if eps <= 0 {
		eps = DefaultRegularization
	}

	n := nextPow2(len(a) + len(b))
	fft := fourier.NewFFT(n)

	fa := fft.Coefficients(nil, zeroMean(a, n))
	fb := fft.Coefficients(nil, zeroMean(b, n))

	// Cross-spectrum with PHAT weighting, reusing fa as the output buffer
	for i := range fa {
		r := fa[i] * cmplx.Conj(fb[i])
		fa[i] = r / complex(cmplx.Abs(r)+eps, 0)
	}

	r := fft.Sequence(nil, fa)
	floats.Scale(1/float64(n), r)

	// Rotate so index 0 is lag -n/2
	half := n / 2
	centered := make([]float64, n)
	copy(centered, r[n-half:])
	copy(centered[half:], r[:n-half])

	lo, hi := 0, n-1
	if opts.MaxLag > 0 && sampleRate > 0 {
		maxLag := int(math.Round(opts.MaxLag * float64(sampleRate)))
		lo = max(half-maxLag, 0)
		hi = min(half+maxLag, n-1)
	}

	k0 := lo
	peak := math.Abs(centered[lo])
	for k := lo + 1; k <= hi; k++ {
		if v := math.Abs(centered[k]); v > peak {
			peak = v
			k0 = k
		}
	}

	lags := make([]int, hi-lo+1)
	for i := range lags {
		lags[i] = lo + i - half
	}

	// Nothing correlated, e.g. a silent window
	if peak == 0 {
		return Result{Correlation: centered[lo : hi+1], Lags: lags}
	}

	// Neighbours outside the lag window are masked to zero, matching a
	// correlation with the excluded lags zeroed out.
	frac := 0.0
	if k0 > 0 && k0 < n-1 {
		frac = parabolicOffset(masked(centered, k0-1, lo, hi), peak, masked(centered, k0+1, lo, hi))
	}

	return Result{
		DelaySamples: float64(k0-half) + frac,
		Peak:         peak,
		Lag:          k0 - half,
		Fraction:     frac,
		Correlation:  centered[lo : hi+1],
		Lags:         lags,
	}
}

// AtEdge reports whether the integer peak sits on the boundary of a bounded
// lag window, where the true delay may lie outside the search.
func (r Result) AtEdge() bool {
	if r.Peak == 0 || len(r.Lags) == 0 {
		return false
	}
	return r.Lag == r.Lags[0] || r.Lag == r.Lags[len(r.Lags)-1]
}

// zeroMean returns x as float64 with its mean removed, zero padded to n
func zeroMean(x []float32, n int) []float64 {
	out := make([]float64, n)
	for i, v := range x {
		out[i] = float64(v)
	}
	mean := floats.Sum(out[:len(x)]) / float64(len(x))
	floats.AddConst(-mean, out[:len(x)])
	return out
}

func masked(r []float64, k, lo, hi int) float64 {
	if k < lo || k > hi {
		return 0
	}
	return math.Abs(r[k])
}

// parabolicOffset returns the vertex offset of the parabola through three
// equally spaced points, in [-0.5, 0.5] for a true local maximum.
func parabolicOffset(yMinus, y0, yPlus float64) float64 {
	denom := yMinus - 2*y0 + yPlus
	if math.Abs(denom) < 1e-12 {
		return 0
	}
	off := 0.5 * (yMinus - yPlus) / denom
	return math.Max(-0.5, math.Min(0.5, off))
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
