// Package pipeline runs window synchronization, delay estimation and
// triangulation for one trigger instant.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-rtgun/internal/config"
	"github.com/teslashibe/go-rtgun/internal/gccphat"
	"github.com/teslashibe/go-rtgun/internal/metrics"
	"github.com/teslashibe/go-rtgun/internal/tdoa"
	"github.com/teslashibe/go-rtgun/internal/timebase"
	"github.com/teslashibe/go-rtgun/internal/triangulate"
)

// ErrInvalidRequest is returned for requests that cannot be run
var ErrInvalidRequest = errors.New("invalid request")

// ChannelSource supplies the raw recordings that cover a trigger
type ChannelSource interface {
	Channels(ctx context.Context, trigger time.Time) ([]timebase.RawChannel, error)
}

// WindowSink persists synchronized windows
type WindowSink interface {
	WriteWindows(ctx context.Context, res *timebase.Result) ([]string, error)
}

// Settings are the processing parameters, fixed for the life of a Pipeline
type Settings struct {
	SampleRate     int
	PreMargin      float64
	PostMargin     float64
	Geometry       []triangulate.Mic
	Reference      string
	SpeedOfSound   float64
	MaxLag         float64 // seconds, 0 searches every lag unless AutoMaxLag
	AutoMaxLag     bool    // bound by the longest baseline when MaxLag is 0
	Regularization float64
}

// SettingsFromConfig builds Settings from a loaded configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SampleRate:     cfg.Audio.SampleRate,
		PreMargin:      cfg.Audio.PreMarginS,
		PostMargin:     cfg.Audio.PostMarginS,
		Geometry:       cfg.Array.Geometry(),
		Reference:      cfg.Array.Reference,
		SpeedOfSound:   cfg.Array.SpeedOfSound,
		MaxLag:         cfg.Array.MaxLagS,
		AutoMaxLag:     cfg.Array.AutoMaxLag,
		Regularization: cfg.Array.PHATEpsilon,
	}
}

// Request selects the trigger and optional per-run overrides. Zero values
// fall back to Settings.
type Request struct {
	Trigger      time.Time `json:"trigger"`
	Reference    string    `json:"reference,omitempty"`
	SpeedOfSound float64   `json:"speed_of_sound,omitempty"`
	MaxLag       float64   `json:"max_lag_s,omitempty"`
}

// SyncReport describes one window extraction
type SyncReport struct {
	Trigger     time.Time               `json:"trigger"`
	WindowStart time.Time               `json:"window_start"`
	WindowEnd   time.Time               `json:"window_end"`
	SampleRate  int                     `json:"sample_rate"`
	Length      int                     `json:"length"`
	Status      timebase.Status         `json:"status"`
	Windows     []timebase.SyncedWindow `json:"windows"`
	Files       []string                `json:"files,omitempty"`
	DurationMS  float64                 `json:"duration_ms"`

	result *timebase.Result
}

// Result returns the synchronized windows behind the report
func (r *SyncReport) Result() *timebase.Result {
	return r.result
}

// Report is the outcome of a full localization run
type Report struct {
	Trigger      time.Time               `json:"trigger"`
	WindowStart  time.Time               `json:"window_start"`
	WindowEnd    time.Time               `json:"window_end"`
	SampleRate   int                     `json:"sample_rate"`
	Reference    string                  `json:"reference"`
	SpeedOfSound float64                 `json:"speed_of_sound"`
	MaxLag       float64                 `json:"max_lag_s"`
	Status       timebase.Status         `json:"status"`
	Windows      []timebase.SyncedWindow `json:"windows"`
	Delays       []tdoa.DelayEstimate    `json:"delays"`
	Azimuth      *float64                `json:"azimuth_deg"`
	Bearing      triangulate.Bearing     `json:"bearing"`
	DurationMS   float64                 `json:"duration_ms"`
}

// Pipeline wires a channel source and optional window sink to the
// localization stages
type Pipeline struct {
	settings Settings
	source   ChannelSource
	sink     WindowSink
	logger   *slog.Logger
}

// New creates a pipeline. A nil sink disables window persistence.
func New(settings Settings, source ChannelSource, sink WindowSink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		settings: settings,
		source:   source,
		sink:     sink,
		logger:   logger,
	}
}

// Settings returns the pipeline settings
func (p *Pipeline) Settings() Settings {
	return p.settings
}

// Sync extracts the shared window around trigger from every channel and
// persists it when a sink is configured.
func (p *Pipeline) Sync(ctx context.Context, trigger time.Time) (report *SyncReport, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveRun(metrics.OpSync, time.Since(start), err)
	}()

	res, err := p.synchronize(ctx, trigger)
	if err != nil {
		return nil, err
	}

	var files []string
	if p.sink != nil {
		files, err = p.sink.WriteWindows(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("failed to persist windows: %w", err)
		}
	}

	report = &SyncReport{
		Trigger:     res.Trigger,
		WindowStart: res.WindowStart,
		WindowEnd:   res.WindowEnd,
		SampleRate:  res.SampleRate,
		Length:      res.Length,
		Status:      res.Status,
		Windows:     res.Windows,
		Files:       files,
		DurationMS:  float64(time.Since(start).Microseconds()) / 1000,
		result:      res,
	}

	p.logger.Info("sync complete",
		"trigger", res.Trigger,
		"mics", len(res.Windows),
		"length", res.Length,
		"status", res.Status,
		"files", len(files),
	)
	return report, nil
}

// Locate synchronizes the windows for req.Trigger, estimates every mic's
// delay against the reference and solves for the bearing.
func (p *Pipeline) Locate(ctx context.Context, req Request) (report *Report, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveRun(metrics.OpTDOA, time.Since(start), err)
	}()

	reference := req.Reference
	if reference == "" {
		reference = p.settings.Reference
	}
	c := req.SpeedOfSound
	if c <= 0 {
		c = p.settings.SpeedOfSound
	}
	maxLag := p.maxLag(req.MaxLag, c)

	res, err := p.synchronize(ctx, req.Trigger)
	if err != nil {
		return nil, err
	}

	est := tdoa.NewEstimator(gccphat.Options{
		MaxLag:         maxLag,
		Regularization: p.settings.Regularization,
	}, p.logger)

	delays, err := est.Estimate(res, reference)
	if err != nil {
		return nil, err
	}
	for _, d := range delays {
		if d.MicID != reference {
			metrics.ObservePeak(d.Peak)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bearing, err := triangulate.Solve(p.settings.Geometry, reference, tdoa.Seconds(delays, reference), c)
	if err != nil {
		return nil, fmt.Errorf("failed to triangulate: %w", err)
	}
	if !bearing.Defined {
		metrics.IncUndefinedBearing()
		p.logger.Warn("bearing undefined",
			"trigger", res.Trigger,
			"equations", bearing.Equations,
			"rank", bearing.Rank,
		)
	}

	report = &Report{
		Trigger:      res.Trigger,
		WindowStart:  res.WindowStart,
		WindowEnd:    res.WindowEnd,
		SampleRate:   res.SampleRate,
		Reference:    reference,
		SpeedOfSound: c,
		MaxLag:       maxLag,
		Status:       res.Status,
		Windows:      res.Windows,
		Delays:       delays,
		Azimuth:      bearing.AzimuthPtr(),
		Bearing:      bearing,
		DurationMS:   float64(time.Since(start).Microseconds()) / 1000,
	}

	p.logger.Info("tdoa complete",
		"trigger", res.Trigger,
		"reference", reference,
		"azimuth", bearing.Azimuth,
		"defined", bearing.Defined,
		"status", res.Status,
	)
	return report, nil
}

func (p *Pipeline) synchronize(ctx context.Context, trigger time.Time) (*timebase.Result, error) {
	if trigger.IsZero() {
		return nil, fmt.Errorf("%w: trigger is required", ErrInvalidRequest)
	}

	channels, err := p.source.Channels(ctx, trigger)
	if err != nil {
		return nil, err
	}

	res, err := timebase.Synchronize(trigger, channels, timebase.Options{
		SampleRate: p.settings.SampleRate,
		PreMargin:  p.settings.PreMargin,
		PostMargin: p.settings.PostMargin,
	})
	if err != nil {
		return nil, err
	}

	degraded := res.Degraded()
	metrics.AddDegradedWindows(len(degraded))
	for _, w := range degraded {
		p.logger.Warn("window not fully covered by recording",
			"mic", w.MicID,
			"coverage", w.Coverage,
			"source_offset", w.SourceOffset,
		)
	}

	return res, nil
}

// maxLag resolves the search bound in seconds for a run. Zero means the
// whole correlation is searched.
func (p *Pipeline) maxLag(requested, speedOfSound float64) float64 {
	switch {
	case requested > 0:
		return requested
	case p.settings.MaxLag > 0:
		return p.settings.MaxLag
	case p.settings.AutoMaxLag:
		return tdoa.MaxLagFromGeometry(p.settings.Geometry, speedOfSound, p.settings.SampleRate)
	default:
		return 0
	}
}
