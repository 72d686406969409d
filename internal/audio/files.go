// Package audio reads per-microphone recordings from disk and writes
// synchronized windows back out.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/teslashibe/go-rtgun/internal/timebase"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

// fileNamePattern matches <stamp>_<mic>.<ext>, e.g. 2025-09-16T11-00-00Z_M1.wav
var fileNamePattern = regexp.MustCompile(`(?i)^(?P<stamp>[^_]+)_(?P<mic>M[0-9]+)\.(?P<ext>wav|flac)$`)

// FileName is the parsed identity of a raw recording
type FileName struct {
	Start  time.Time
	MicID  string
	Format string // wav or flac
}

// ParseFileName parses a raw recording file name (without directory)
func ParseFileName(name string) (FileName, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return FileName{}, fmt.Errorf("file name %q does not match <stamp>_M<n>.<wav|flac>", name)
	}

	start, err := timeutil.ParseFilenameStamp(strings.ToUpper(m[1]))
	if err != nil {
		return FileName{}, err
	}

	return FileName{
		Start:  start,
		MicID:  strings.ToUpper(m[2]),
		Format: strings.ToLower(m[3]),
	}, nil
}

// RecordingName returns the raw file name for a mic recording started at start
func RecordingName(start time.Time, micID, format string) string {
	return fmt.Sprintf("%s_%s.%s", timeutil.FilenameStamp(start), micID, format)
}

// Directory loads raw recordings from a flat directory
type Directory struct {
	Root    string
	Formats []string // accepted extensions, all when empty
	logger  *slog.Logger
}

// NewDirectory creates a recording directory reader
func NewDirectory(root string, formats []string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{Root: root, Formats: formats, logger: logger}
}

// Find returns the recordings whose stamp matches the trigger's whole second,
// keyed by mic id.
func (d *Directory) Find(trigger time.Time) (map[string]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw dir %s: %w", d.Root, err)
	}

	stamp := timeutil.FilenameStamp(trigger)
	names := make(map[string]string)

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(strings.ToUpper(e.Name()), stamp+"_") {
			continue
		}

		fn, err := ParseFileName(e.Name())
		if err != nil {
			d.logger.Debug("skipping file", "name", e.Name(), "error", err)
			continue
		}
		if !d.accepts(fn.Format) {
			continue
		}

		// Both formats present: the lexically smaller name wins
		if prev, dup := names[fn.MicID]; dup && prev < e.Name() {
			continue
		}
		names[fn.MicID] = e.Name()
	}

	files := make(map[string]string, len(names))
	for mic, name := range names {
		files[mic] = filepath.Join(d.Root, name)
	}
	return files, nil
}

// Channels implements pipeline.ChannelSource
func (d *Directory) Channels(ctx context.Context, trigger time.Time) ([]timebase.RawChannel, error) {
	files, err := d.Find(trigger)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no recordings stamped %s in %s",
			timebase.ErrNoDataForTrigger, timeutil.FilenameStamp(trigger), d.Root)
	}

	mics := make([]string, 0, len(files))
	for mic := range files {
		mics = append(mics, mic)
	}
	sort.Strings(mics)

	channels := make([]timebase.RawChannel, 0, len(mics))
	for _, mic := range mics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := files[mic]
		ch, err := Load(path)
		if err != nil {
			return nil, err
		}

		d.logger.Debug("loaded recording",
			"mic", ch.MicID,
			"path", path,
			"samples", len(ch.Samples),
			"sample_rate", ch.SampleRate,
			"start", timeutil.FormatISO(ch.RecordingStart),
		)
		channels = append(channels, ch)
	}

	return channels, nil
}

func (d *Directory) accepts(format string) bool {
	if len(d.Formats) == 0 {
		return true
	}
	for _, f := range d.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// Load decodes a raw recording named by the file convention into a channel
func Load(path string) (timebase.RawChannel, error) {
	fn, err := ParseFileName(filepath.Base(path))
	if err != nil {
		return timebase.RawChannel{}, err
	}

	samples, rate, err := Decode(path)
	if err != nil {
		return timebase.RawChannel{}, err
	}

	return timebase.RawChannel{
		MicID:          fn.MicID,
		Samples:        samples,
		SampleRate:     rate,
		RecordingStart: fn.Start,
	}, nil
}
