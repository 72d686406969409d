package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
)

// Decode reads a WAV or FLAC file and returns its first channel scaled to
// [-1, 1) along with the native sample rate.
func Decode(path string) ([]float32, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return decodeWAV(path)
	case ".flac":
		return decodeFLAC(path)
	default:
		return nil, 0, fmt.Errorf("unsupported audio format: %s", path)
	}
}

// WAV fmt codes
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

func decodeWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file: %s", path)
	}

	sample, err := wavSampleFunc(dec.WavAudioFormat, int(dec.BitDepth))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		return nil, 0, fmt.Errorf("wav %s has no channels", path)
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := range out {
		out[i] = float32(sample(buf.Data[i*channels]))
	}

	return out, buf.Format.SampleRate, nil
}

// wavSampleFunc maps a decoded sample to [-1, 1). The decoder hands back raw
// integers: 8-bit PCM is unsigned and 32-bit float arrives as its bit pattern.
func wavSampleFunc(format uint16, bitDepth int) (func(int) float64, error) {
	switch format {
	case wavFormatFloat:
		if bitDepth != 32 {
			return nil, fmt.Errorf("unsupported %d-bit float wav", bitDepth)
		}
		return func(v int) float64 {
			return float64(math.Float32frombits(uint32(v)))
		}, nil

	case wavFormatPCM, wavFormatExtensible:
		if bitDepth == 8 {
			return func(v int) float64 { return float64(v-128) / 128 }, nil
		}
		scale := fullScale(bitDepth)
		return func(v int) float64 { return float64(v) / scale }, nil

	default:
		return nil, fmt.Errorf("unsupported wav encoding %#x", format)
	}
}

func decodeFLAC(path string) ([]float32, int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer stream.Close()

	scale := fullScale(int(stream.Info.BitsPerSample))
	out := make([]float32, 0, stream.Info.NSamples)

	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if len(frame.Subframes) == 0 {
			continue
		}
		for _, s := range frame.Subframes[0].Samples {
			out = append(out, float32(float64(s)/scale))
		}
	}

	return out, int(stream.Info.SampleRate), nil
}

// fullScale returns the magnitude of the most negative sample at bitDepth
func fullScale(bitDepth int) float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return math.Pow(2, float64(bitDepth-1))
}

// WriteWAV encodes mono samples as 16-bit PCM. Values are clipped to [-1, 1].
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := encodeWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return f.Close()
}

func encodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	const bitDepth = 16
	scale := fullScale(bitDepth)

	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * scale)
		data[i] = int(math.Max(-scale, math.Min(scale-1, v)))
	}

	enc := wav.NewEncoder(w, sampleRate, bitDepth, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
