// Package timeutil provides absolute-time arithmetic for sample-accurate
// window extraction across independently recorded files.
package timeutil

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformedTimestamp is returned when a timestamp cannot be parsed
var ErrMalformedTimestamp = errors.New("malformed timestamp")

const nanosPerSecond = int64(time.Second)

// Accepted layouts. Fractional seconds are accepted by time.Parse after the
// seconds field even though the layouts do not name them.
var layouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
}

const (
	filenameLayout = "2006-01-02T15-04-05Z"
	windowLayout   = "2006-01-02T15-04-05.000Z"
)

// Parse parses an ISO-8601 date-time with a literal Z or a numeric offset.
// The result is in UTC.
func Parse(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrMalformedTimestamp)
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
}

// SampleOffset returns round((target-start) * sampleRate) as a sample index
// delta. The product is formed from integer nanoseconds, so the result is
// exact; ties round half to even.
func SampleOffset(start, target time.Time, sampleRate int) int64 {
	d := target.Sub(start)

	// Split into whole seconds and a non-negative nanosecond remainder so the
	// fractional product never overflows.
	sec := int64(d) / nanosPerSecond
	rem := int64(d) % nanosPerSecond
	if rem < 0 {
		sec--
		rem += nanosPerSecond
	}

	fs := int64(sampleRate)
	frac := rem * fs
	base := sec*fs + frac/nanosPerSecond
	r := frac % nanosPerSecond

	// base is the floor of the exact value; pick the nearer neighbour and
	// settle ties on the even one.
	switch {
	case 2*r > nanosPerSecond:
		base++
	case 2*r == nanosPerSecond && base&1 == 1:
		base++
	}
	return base
}

// Shift offsets t by a real number of seconds, rounded to the nanosecond.
func Shift(t time.Time, seconds float64) time.Time {
	return t.Add(time.Duration(math.Round(seconds * float64(nanosPerSecond))))
}

// SecondsToSamples converts a duration in seconds into a whole sample count
// using the same rounding rule as SampleOffset.
func SecondsToSamples(seconds float64, sampleRate int) int64 {
	return SampleOffset(time.Time{}, Shift(time.Time{}, seconds), sampleRate)
}

// FilenameStamp formats t the way raw recordings are named on disk,
// e.g. 2025-09-16T11-00-00Z. Fractional seconds are dropped.
func FilenameStamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(filenameLayout)
}

// ParseFilenameStamp is the inverse of FilenameStamp.
func ParseFilenameStamp(s string) (time.Time, error) {
	t, err := time.Parse(filenameLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: filename stamp %q", ErrMalformedTimestamp, s)
	}
	return t.UTC(), nil
}

// WindowStamp formats t with millisecond precision for persisted windows
func WindowStamp(t time.Time) string {
	return t.UTC().Format(windowLayout)
}

// FormatISO formats t as ISO-8601 UTC with nanosecond precision trimmed
func FormatISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
