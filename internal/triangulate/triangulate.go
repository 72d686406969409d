// Package triangulate converts time differences of arrival into a bearing
package triangulate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrUnknownMic is returned when the reference mic has no geometry
var ErrUnknownMic = errors.New("unknown mic")

const (
	// minNorm below which the solution carries no direction
	minNorm = 1e-12

	// singular values below this fraction of the largest count as zero
	rankTolerance = 1e-12
)

// Mic is a microphone position in meters. Z is ignored for bearing.
type Mic struct {
	ID string  `json:"mic_id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
}

// Bearing is the direction to the source. Azimuth is in degrees in [0, 360)
// with 0 along +X and 90 along +Y, and is NaN when Defined is false.
type Bearing struct {
	Azimuth   float64 `json:"-"`
	Defined   bool    `json:"defined"`
	Equations int     `json:"equations"`
	Rank      int     `json:"rank"`
	Residual  float64 `json:"residual"`

	// Unit vector toward the source
	UX float64 `json:"ux"`
	UY float64 `json:"uy"`
}

// AzimuthPtr returns the azimuth or nil when undefined, for JSON output
func (b Bearing) AzimuthPtr() *float64 {
	if !b.Defined {
		return nil
	}
	az := b.Azimuth
	return &az
}

func undefined(equations, rank int) Bearing {
	return Bearing{Azimuth: math.NaN(), Equations: equations, Rank: rank}
}

// Solve estimates the bearing from per-mic delays in seconds relative to
// reference. Delays for the reference or for mics without geometry are
// skipped. Sparse or degenerate geometry yields an undefined bearing, not an
// error.
func Solve(mics []Mic, reference string, delays map[string]float64, speedOfSound float64) (Bearing, error) {
	if speedOfSound <= 0 {
		return Bearing{}, fmt.Errorf("invalid speed of sound: %v", speedOfSound)
	}

	pos := make(map[string]Mic, len(mics))
	for _, m := range mics {
		pos[m.ID] = m
	}
	ref, ok := pos[reference]
	if !ok {
		return Bearing{}, fmt.Errorf("%w: reference %s", ErrUnknownMic, reference)
	}

	// Sorted ids keep row order, and so floating point results, stable
	ids := make([]string, 0, len(delays))
	for id := range delays {
		if _, known := pos[id]; known && id != reference {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	rows := len(ids)
	if rows < 2 {
		return undefined(rows, 0), nil
	}

	a := mat.NewDense(rows, 2, nil)
	d := mat.NewVecDense(rows, nil)
	for i, id := range ids {
		p := pos[id]
		a.Set(i, 0, p.X-ref.X)
		a.Set(i, 1, p.Y-ref.Y)
		d.SetVec(i, speedOfSound*delays[id])
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return undefined(rows, 0), nil
	}
	rank := svd.Rank(rankTolerance)
	if rank < 2 {
		return undefined(rows, rank), nil
	}

	var n mat.VecDense
	svd.SolveVecTo(&n, d, rank)

	norm := mat.Norm(&n, 2)
	if norm < minNorm {
		return undefined(rows, rank), nil
	}

	var fit mat.VecDense
	fit.MulVec(a, &n)
	fit.SubVec(&fit, d)

	// Baselines point toward increasing delay, away from the source
	ux := -n.AtVec(0) / norm
	uy := -n.AtVec(1) / norm

	return Bearing{
		Azimuth:   NormalizeDegrees(math.Atan2(uy, ux) * 180 / math.Pi),
		Defined:   true,
		Equations: rows,
		Rank:      rank,
		Residual:  mat.Norm(&fit, 2),
		UX:        ux,
		UY:        uy,
	}, nil
}

// NormalizeDegrees wraps an angle into [0, 360)
func NormalizeDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	// also folds -0 into 0
	if a >= 360 || a == 0 {
		a = 0
	}
	return a
}
