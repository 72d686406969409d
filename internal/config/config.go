// Package config provides configuration management for go-rtgun
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-rtgun/internal/triangulate"
)

// micIDPattern matches the mic ids used in recording file names
var micIDPattern = regexp.MustCompile(`^M[0-9]+$`)

// Config is the root configuration structure
type Config struct {
	Audio   AudioConfig   `mapstructure:"audio"`
	Array   ArrayConfig   `mapstructure:"array"`
	Data    DataConfig    `mapstructure:"data"`
	Server  ServerConfig  `mapstructure:"server"`
	Publish PublishConfig `mapstructure:"publish"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AudioConfig configures recordings and the extraction window
type AudioConfig struct {
	SampleRate     int      `mapstructure:"sample_rate"`
	PreMarginS     float64  `mapstructure:"pre_margin_s"`
	PostMarginS    float64  `mapstructure:"post_margin_s"`
	BandpassHz     []int    `mapstructure:"bandpass_hz"` // loaded for tooling, not applied
	UpsampleFactor int      `mapstructure:"upsample_factor"`
	Formats        []string `mapstructure:"formats"`
}

// ArrayConfig configures the microphone array and delay estimation
type ArrayConfig struct {
	Reference    string      `mapstructure:"reference"`
	SpeedOfSound float64     `mapstructure:"speed_of_sound"`
	MaxLagS      float64     `mapstructure:"max_lag_s"`    // 0 searches every lag
	AutoMaxLag   bool        `mapstructure:"auto_max_lag"` // bound by the longest baseline when max_lag_s is 0
	PHATEpsilon  float64     `mapstructure:"phat_epsilon"`
	Mics         []MicConfig `mapstructure:"mics"`
}

// MicConfig is one microphone position in meters
type MicConfig struct {
	ID string  `mapstructure:"mic_id"`
	X  float64 `mapstructure:"x"`
	Y  float64 `mapstructure:"y"`
	Z  float64 `mapstructure:"z"`
}

// DataConfig configures where recordings are read and windows written
type DataConfig struct {
	RawDir        string `mapstructure:"raw_dir"`
	SyncedDir     string `mapstructure:"synced_dir"`
	PersistSynced bool   `mapstructure:"persist_synced"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// PublishConfig configures the optional upstream report feed
type PublishConfig struct {
	URL              string        `mapstructure:"url"` // empty disables publishing
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate:     48000,
			PreMarginS:     3.0,
			PostMarginS:    3.0,
			BandpassHz:     []int{300, 8000},
			UpsampleFactor: 1,
			Formats:        []string{"wav", "flac"},
		},
		Array: ArrayConfig{
			Reference:    "M1",
			SpeedOfSound: 343.0,
			MaxLagS:      0,
			AutoMaxLag:   false,
			PHATEpsilon:  1e-12,
			Mics:         defaultMics(),
		},
		Data: DataConfig{
			RawDir:        "data/raw",
			SyncedDir:     "data/synced",
			PersistSynced: true,
		},
		Server: ServerConfig{
			Port:            9100,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Publish: PublishConfig{
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Right triangle with one meter legs
func defaultMics() []MicConfig {
	return []MicConfig{
		{ID: "M1", X: 0, Y: 0},
		{ID: "M2", X: 1, Y: 0},
		{ID: "M3", X: 0, Y: 1},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults, a broken one does not
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("RTGUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	// Audio defaults
	v.SetDefault("audio.sample_rate", def.Audio.SampleRate)
	v.SetDefault("audio.pre_margin_s", def.Audio.PreMarginS)
	v.SetDefault("audio.post_margin_s", def.Audio.PostMarginS)
	v.SetDefault("audio.bandpass_hz", def.Audio.BandpassHz)
	v.SetDefault("audio.upsample_factor", def.Audio.UpsampleFactor)
	v.SetDefault("audio.formats", def.Audio.Formats)

	// Array defaults
	v.SetDefault("array.reference", def.Array.Reference)
	v.SetDefault("array.speed_of_sound", def.Array.SpeedOfSound)
	v.SetDefault("array.max_lag_s", def.Array.MaxLagS)
	v.SetDefault("array.auto_max_lag", def.Array.AutoMaxLag)
	v.SetDefault("array.phat_epsilon", def.Array.PHATEpsilon)
	mics := make([]map[string]any, 0, len(def.Array.Mics))
	for _, m := range def.Array.Mics {
		mics = append(mics, map[string]any{"mic_id": m.ID, "x": m.X, "y": m.Y, "z": m.Z})
	}
	v.SetDefault("array.mics", mics)

	// Data defaults
	v.SetDefault("data.raw_dir", def.Data.RawDir)
	v.SetDefault("data.synced_dir", def.Data.SyncedDir)
	v.SetDefault("data.persist_synced", def.Data.PersistSynced)

	// Server defaults
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Publish defaults
	v.SetDefault("publish.url", "")
	v.SetDefault("publish.reconnect_backoff", "1s")
	v.SetDefault("publish.max_backoff", "30s")
	v.SetDefault("publish.ping_interval", "10s")
	v.SetDefault("publish.write_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.Audio.SampleRate)
	}

	if c.Audio.PreMarginS < 0 || c.Audio.PostMarginS < 0 {
		return fmt.Errorf("margins must be non-negative, got pre=%v post=%v", c.Audio.PreMarginS, c.Audio.PostMarginS)
	}

	if c.Audio.PreMarginS+c.Audio.PostMarginS <= 0 {
		return fmt.Errorf("window must be longer than zero seconds")
	}

	if c.Array.SpeedOfSound <= 0 {
		return fmt.Errorf("speed_of_sound must be positive, got %v", c.Array.SpeedOfSound)
	}

	if c.Array.MaxLagS < 0 {
		return fmt.Errorf("max_lag_s must be non-negative, got %v", c.Array.MaxLagS)
	}

	if len(c.Array.Mics) == 0 {
		return fmt.Errorf("at least one mic must be configured")
	}

	seen := make(map[string]struct{}, len(c.Array.Mics))
	for _, m := range c.Array.Mics {
		if !micIDPattern.MatchString(m.ID) {
			return fmt.Errorf("invalid mic id %q, expected M<digits>", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate mic id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	if _, ok := seen[c.Array.Reference]; !ok {
		return fmt.Errorf("reference mic %s is not in the array", c.Array.Reference)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// Geometry returns the configured mic positions
func (a ArrayConfig) Geometry() []triangulate.Mic {
	out := make([]triangulate.Mic, len(a.Mics))
	for i, m := range a.Mics {
		out[i] = triangulate.Mic{ID: m.ID, X: m.X, Y: m.Y, Z: m.Z}
	}
	return out
}
