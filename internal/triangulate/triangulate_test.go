package triangulate

import (
	"errors"
	"math"
	"testing"
)

const c = 343.0

var square = []Mic{
	{ID: "M1", X: 0, Y: 0},
	{ID: "M2", X: 1, Y: 0},
	{ID: "M3", X: 0, Y: 1},
	{ID: "M4", X: 1, Y: 1, Z: 0.5},
}

// planeWaveDelays returns arrival delays relative to reference for a far
// field source at azimuth degrees.
func planeWaveDelays(mics []Mic, reference string, azimuth float64) map[string]float64 {
	rad := azimuth * math.Pi / 180
	ux, uy := math.Cos(rad), math.Sin(rad)

	var ref Mic
	for _, m := range mics {
		if m.ID == reference {
			ref = m
		}
	}

	out := make(map[string]float64)
	for _, m := range mics {
		if m.ID == reference {
			continue
		}
		out[m.ID] = -((m.X-ref.X)*ux + (m.Y-ref.Y)*uy) / c
	}
	return out
}

func angleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	return math.Min(d, 360-d)
}

func TestSolve_PlaneWave(t *testing.T) {
	for _, az := range []float64{0, 30, 90, 135, 180, 225, 270, 315, 359.5} {
		delays := planeWaveDelays(square, "M1", az)

		b, err := Solve(square, "M1", delays, c)
		if err != nil {
			t.Fatalf("az %v: Solve() error = %v", az, err)
		}
		if !b.Defined {
			t.Fatalf("az %v: expected defined bearing", az)
		}
		if angleDiff(b.Azimuth, az) > 1e-6 {
			t.Errorf("az %v: got %v", az, b.Azimuth)
		}
		if b.Azimuth < 0 || b.Azimuth >= 360 {
			t.Errorf("az %v: azimuth %v outside [0, 360)", az, b.Azimuth)
		}
		if b.Residual > 1e-9 {
			t.Errorf("az %v: residual %v for exact data", az, b.Residual)
		}
	}
}

func TestSolve_OtherReference(t *testing.T) {
	delays := planeWaveDelays(square, "M4", 200)

	b, err := Solve(square, "M4", delays, c)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if angleDiff(b.Azimuth, 200) > 1e-6 {
		t.Errorf("azimuth = %v, want 200", b.Azimuth)
	}
}

func TestSolve_NegatedDelaysRotate180(t *testing.T) {
	for _, az := range []float64{10, 95, 260} {
		delays := planeWaveDelays(square, "M1", az)
		// perturb so the fit is not exact
		delays["M4"] += 1e-5

		neg := make(map[string]float64, len(delays))
		for k, v := range delays {
			neg[k] = -v
		}

		b1, _ := Solve(square, "M1", delays, c)
		b2, _ := Solve(square, "M1", neg, c)

		if angleDiff(b1.Azimuth+180, b2.Azimuth) > 1e-9 {
			t.Errorf("az %v: %v and %v are not opposite", az, b1.Azimuth, b2.Azimuth)
		}
	}
}

func TestSolve_Undefined(t *testing.T) {
	tests := []struct {
		name   string
		mics   []Mic
		delays map[string]float64
	}{
		{
			name:   "one baseline",
			mics:   square[:2],
			delays: map[string]float64{"M2": 0.001},
		},
		{
			name:   "no delays",
			mics:   square,
			delays: map[string]float64{},
		},
		{
			name:   "only reference delay",
			mics:   square,
			delays: map[string]float64{"M1": 0},
		},
		{
			name:   "delays for unknown mics",
			mics:   square[:2],
			delays: map[string]float64{"M2": 0.001, "M9": 0.002},
		},
		{
			name: "collinear array",
			mics: []Mic{
				{ID: "M1", X: 0, Y: 0},
				{ID: "M2", X: 1, Y: 0},
				{ID: "M3", X: 2, Y: 0},
			},
			delays: map[string]float64{"M2": 0.001, "M3": 0.002},
		},
		{
			name:   "zero delays",
			mics:   square,
			delays: map[string]float64{"M2": 0, "M3": 0, "M4": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Solve(tt.mics, "M1", tt.delays, c)
			if err != nil {
				t.Fatalf("Solve() error = %v", err)
			}
			if b.Defined {
				t.Errorf("expected undefined bearing, got %v", b.Azimuth)
			}
			if !math.IsNaN(b.Azimuth) {
				t.Errorf("expected NaN azimuth, got %v", b.Azimuth)
			}
			if b.AzimuthPtr() != nil {
				t.Error("expected nil AzimuthPtr for undefined bearing")
			}
		})
	}
}

func TestSolve_Errors(t *testing.T) {
	if _, err := Solve(square, "M7", map[string]float64{"M2": 0}, c); !errors.Is(err, ErrUnknownMic) {
		t.Errorf("error = %v, want ErrUnknownMic", err)
	}
	if _, err := Solve(square, "M1", map[string]float64{"M2": 0}, 0); err == nil {
		t.Error("expected error for zero speed of sound")
	}
}

func TestNormalizeDegrees(t *testing.T) {
	tests := map[float64]float64{
		0:      0,
		360:    0,
		-90:    270,
		450:    90,
		-720:   0,
		359.99: 359.99,
		-1e-15: 0,
	}
	for in, want := range tests {
		got := NormalizeDegrees(in)
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("NormalizeDegrees(%v) = %v, want %v", in, got, want)
		}
		if got < 0 || got >= 360 {
			t.Errorf("NormalizeDegrees(%v) = %v outside [0, 360)", in, got)
		}
	}
}
