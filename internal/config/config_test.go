package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("expected sample_rate 48000, got %d", cfg.Audio.SampleRate)
	}

	if cfg.Audio.PreMarginS != 3 || cfg.Audio.PostMarginS != 3 {
		t.Errorf("expected 3s margins, got pre=%v post=%v", cfg.Audio.PreMarginS, cfg.Audio.PostMarginS)
	}

	if cfg.Array.Reference != "M1" {
		t.Errorf("expected reference M1, got %s", cfg.Array.Reference)
	}

	if cfg.Array.SpeedOfSound != 343 {
		t.Errorf("expected speed_of_sound 343, got %v", cfg.Array.SpeedOfSound)
	}

	if cfg.Array.MaxLagS != 0 || cfg.Array.AutoMaxLag {
		t.Errorf("expected unbounded lag search by default, got %+v", cfg.Array)
	}

	if len(cfg.Array.Mics) != 3 {
		t.Errorf("expected 3 default mics, got %d", len(cfg.Array.Mics))
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	// Load with non-existent file should use defaults
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("expected default sample_rate 48000, got %d", cfg.Audio.SampleRate)
	}

	if len(cfg.Array.Mics) != 3 || cfg.Array.Mics[1].ID != "M2" || cfg.Array.Mics[1].X != 1 {
		t.Errorf("expected default mics, got %+v", cfg.Array.Mics)
	}

	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected read_timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
}

func TestLoad_WithFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
audio:
  sample_rate: 44100
  pre_margin_s: 0.5
  post_margin_s: 1.5
  bandpass_hz: [500, 4000]
array:
  reference: M2
  speed_of_sound: 340.5
  max_lag_s: 0.02
  auto_max_lag: true
  mics:
    - mic_id: M1
      x: 0
      y: 0
    - mic_id: M2
      x: 2.5
      y: -1
      z: 0.3
data:
  raw_dir: /srv/raw
  persist_synced: false
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.SampleRate != 44100 {
		t.Errorf("expected sample_rate 44100, got %d", cfg.Audio.SampleRate)
	}

	if cfg.Audio.PreMarginS != 0.5 || cfg.Audio.PostMarginS != 1.5 {
		t.Errorf("unexpected margins: %+v", cfg.Audio)
	}

	if len(cfg.Audio.BandpassHz) != 2 || cfg.Audio.BandpassHz[1] != 4000 {
		t.Errorf("unexpected bandpass: %v", cfg.Audio.BandpassHz)
	}

	if cfg.Array.Reference != "M2" || cfg.Array.SpeedOfSound != 340.5 || cfg.Array.MaxLagS != 0.02 || !cfg.Array.AutoMaxLag {
		t.Errorf("unexpected array config: %+v", cfg.Array)
	}

	geo := cfg.Array.Geometry()
	if len(geo) != 2 {
		t.Fatalf("expected 2 mics, got %d", len(geo))
	}
	if geo[1].ID != "M2" || geo[1].X != 2.5 || geo[1].Y != -1 || geo[1].Z != 0.3 {
		t.Errorf("unexpected M2 geometry: %+v", geo[1])
	}

	if cfg.Data.RawDir != "/srv/raw" || cfg.Data.PersistSynced {
		t.Errorf("unexpected data config: %+v", cfg.Data)
	}

	if cfg.Data.SyncedDir != "data/synced" {
		t.Errorf("expected default synced_dir, got %s", cfg.Data.SyncedDir)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_BrokenFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("audio: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for unparsable config")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RTGUN_AUDIO_SAMPLE_RATE", "96000")
	t.Setenv("RTGUN_ARRAY_REFERENCE", "M3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.SampleRate != 96000 {
		t.Errorf("expected sample_rate 96000 from env, got %d", cfg.Audio.SampleRate)
	}

	if cfg.Array.Reference != "M3" {
		t.Errorf("expected reference M3 from env, got %s", cfg.Array.Reference)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "zero sample rate",
			modify: func(c *Config) {
				c.Audio.SampleRate = 0
			},
			wantErr: true,
		},
		{
			name: "negative margin",
			modify: func(c *Config) {
				c.Audio.PreMarginS = -1
			},
			wantErr: true,
		},
		{
			name: "empty window",
			modify: func(c *Config) {
				c.Audio.PreMarginS = 0
				c.Audio.PostMarginS = 0
			},
			wantErr: true,
		},
		{
			name: "post margin only",
			modify: func(c *Config) {
				c.Audio.PreMarginS = 0
			},
			wantErr: false,
		},
		{
			name: "zero speed of sound",
			modify: func(c *Config) {
				c.Array.SpeedOfSound = 0
			},
			wantErr: true,
		},
		{
			name: "bad mic id",
			modify: func(c *Config) {
				c.Array.Mics[1].ID = "mic2"
			},
			wantErr: true,
		},
		{
			name: "duplicate mic id",
			modify: func(c *Config) {
				c.Array.Mics[1].ID = "M1"
			},
			wantErr: true,
		},
		{
			name: "reference not in array",
			modify: func(c *Config) {
				c.Array.Reference = "M9"
			},
			wantErr: true,
		},
		{
			name: "no mics",
			modify: func(c *Config) {
				c.Array.Mics = nil
			},
			wantErr: true,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
