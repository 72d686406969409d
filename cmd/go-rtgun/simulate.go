package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-rtgun/internal/simulate"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

var (
	simAzimuth  float64
	simDelays   map[string]string
	simStart    string
	simDuration float64
	simClickAt  float64
	simDir      string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Write synthetic click recordings for the configured array",
	Long: `simulate writes one WAV per configured mic with a rectangular click,
delayed per mic either by explicit --delays or by the plane-wave delays of a
source at --azimuth. It prints the trigger to pass to sync and tdoa.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Float64Var(&simAzimuth, "azimuth", 0, "true source bearing in degrees (0 = +X, 90 = +Y)")
	simulateCmd.Flags().StringToStringVar(&simDelays, "delays", nil, "per-mic delays in seconds, e.g. M2=0.004,M3=0.008")
	simulateCmd.Flags().StringVar(&simStart, "start", "", "recording start, ISO-8601 UTC (default now, whole second)")
	simulateCmd.Flags().Float64Var(&simDuration, "duration", 2.0, "recording length in seconds")
	simulateCmd.Flags().Float64Var(&simClickAt, "click-at", 0.5, "click offset in seconds from the recording start")
	simulateCmd.Flags().StringVar(&simDir, "dir", "", "output directory (default data.raw_dir)")
	simulateCmd.MarkFlagsMutuallyExclusive("azimuth", "delays")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	start := time.Now().UTC().Truncate(time.Second)
	if simStart != "" {
		if start, err = timeutil.Parse(simStart); err != nil {
			return err
		}
		// File names carry whole seconds only
		start = start.Truncate(time.Second)
	}

	opts := simulate.DefaultOptions()
	opts.SampleRate = cfg.Audio.SampleRate
	opts.Duration = simDuration
	opts.ClickAt = simClickAt

	switch {
	case cmd.Flags().Changed("delays"):
		opts.Delays, err = parseDelays(simDelays)
		if err != nil {
			return err
		}
		for _, m := range cfg.Array.Mics {
			if _, ok := opts.Delays[m.ID]; !ok {
				opts.Delays[m.ID] = 0
			}
		}
	case cmd.Flags().Changed("azimuth"):
		opts.Delays = simulate.PlaneWaveDelays(cfg.Array.Geometry(), simAzimuth, cfg.Array.SpeedOfSound)
	}

	dir := simDir
	if dir == "" {
		dir = cfg.Data.RawDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	paths, err := simulate.WriteRecordings(dir, start, opts.SampleRate, simulate.Clicks(opts))
	if err != nil {
		return err
	}

	for _, p := range paths {
		logger.Info("wrote recording", "path", p)
	}

	trigger := timeutil.Shift(start, opts.ClickAt)
	fmt.Fprintf(cmd.OutOrStdout(), "trigger %s\n", timeutil.FormatISO(trigger))
	return nil
}

func parseDelays(raw map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for mic, v := range raw {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid delay for %s: %w", mic, err)
		}
		out[mic] = d
	}
	return out, nil
}
