package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-rtgun/internal/audio"
	"github.com/teslashibe/go-rtgun/internal/config"
	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/plotting"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

var (
	triggerFlag   string
	noPersist     bool
	referenceFlag string
	speedFlag     float64
	maxLagFlag    float64
	autoMaxLag    bool
	plotDir       string
	outputFormat  string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Extract the synchronized window around a trigger from every mic",
	RunE:  runSync,
}

var tdoaCmd = &cobra.Command{
	Use:   "tdoa",
	Short: "Estimate arrival delays and the bearing for a trigger",
	RunE:  runTDOA,
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, tdoaCmd} {
		cmd.Flags().StringVar(&triggerFlag, "trigger", "", "trigger instant, ISO-8601 UTC (e.g. 2025-09-16T11:00:00.5Z)")
		cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json, yaml)")
		cmd.MarkFlagRequired("trigger")
	}

	syncCmd.Flags().BoolVar(&noPersist, "no-persist", false, "do not write synchronized windows to disk")

	tdoaCmd.Flags().StringVar(&referenceFlag, "ref", "", "reference mic (default from config)")
	tdoaCmd.Flags().Float64Var(&speedFlag, "c", 0, "speed of sound in m/s (default from config)")
	tdoaCmd.Flags().Float64Var(&maxLagFlag, "max-lag", 0, "max delay in seconds (default from config, 0 searches every lag)")
	tdoaCmd.Flags().BoolVar(&autoMaxLag, "auto-max-lag", false, "bound the search by the longest baseline plus one sample")
	tdoaCmd.Flags().StringVar(&plotDir, "plot-dir", "", "write GCC-PHAT correlation plots to this directory")
}

func newPipeline(cfg *config.Config, persist bool, logger *slog.Logger) *pipeline.Pipeline {
	source := audio.NewDirectory(cfg.Data.RawDir, cfg.Audio.Formats, logger)

	var sink pipeline.WindowSink
	if persist {
		sink = audio.NewWindowWriter(cfg.Data.SyncedDir, logger)
	}

	return pipeline.New(pipeline.SettingsFromConfig(cfg), source, sink, logger)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	trigger, err := timeutil.Parse(triggerFlag)
	if err != nil {
		return err
	}

	p := newPipeline(cfg, cfg.Data.PersistSynced && !noPersist, logger)

	report, err := p.Sync(cmd.Context(), trigger)
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), outputFormat, report)
}

func runTDOA(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	trigger, err := timeutil.Parse(triggerFlag)
	if err != nil {
		return err
	}

	if autoMaxLag {
		cfg.Array.AutoMaxLag = true
	}
	p := newPipeline(cfg, false, logger)

	report, err := p.Locate(cmd.Context(), pipeline.Request{
		Trigger:      trigger,
		Reference:    referenceFlag,
		SpeedOfSound: speedFlag,
		MaxLag:       maxLagFlag,
	})
	if err != nil {
		return err
	}

	if plotDir != "" {
		if err := writePlots(cmd.Context(), plotDir, report, logger); err != nil {
			return err
		}
	}

	return writeOutput(cmd.OutOrStdout(), outputFormat, report)
}

func writePlots(ctx context.Context, dir string, report *pipeline.Report, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plot dir %s: %w", dir, err)
	}

	for _, d := range report.Delays {
		if d.MicID == report.Reference {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		path, err := plotting.CorrelationPNG(dir, report.Reference, d.MicID, d.Correlation, report.SampleRate)
		if err != nil {
			return err
		}
		logger.Info("wrote correlation plot", "mic", d.MicID, "path", path)
	}
	return nil
}
