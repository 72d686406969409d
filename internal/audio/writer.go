package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/teslashibe/go-rtgun/internal/timebase"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

// WindowWriter persists synchronized windows as 16-bit mono WAV files
type WindowWriter struct {
	Root   string
	logger *slog.Logger
}

// NewWindowWriter creates a writer rooted at dir
func NewWindowWriter(dir string, logger *slog.Logger) *WindowWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowWriter{Root: dir, logger: logger}
}

// WindowName returns the file name for one synchronized window,
// e.g. 2025-09-16T10-59-57.500Z__2025-09-16T11-00-03.500Z_M1_synced.wav
func WindowName(w timebase.SyncedWindow) string {
	return fmt.Sprintf("%s__%s_%s_synced.wav",
		timeutil.WindowStamp(w.WindowStart),
		timeutil.WindowStamp(w.WindowEnd),
		w.MicID,
	)
}

// WriteWindows implements pipeline.WindowSink
func (ww *WindowWriter) WriteWindows(ctx context.Context, res *timebase.Result) ([]string, error) {
	if err := os.MkdirAll(ww.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create synced dir %s: %w", ww.Root, err)
	}

	paths := make([]string, 0, len(res.Windows))
	for _, w := range res.Windows {
		if err := ctx.Err(); err != nil {
			return paths, err
		}

		path := filepath.Join(ww.Root, WindowName(w))
		if err := WriteWAV(path, w.Samples, w.SampleRate); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	ww.logger.Debug("wrote synced windows", "dir", ww.Root, "count", len(paths))
	return paths, nil
}
