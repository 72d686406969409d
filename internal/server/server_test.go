package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-rtgun/internal/audio"
	"github.com/teslashibe/go-rtgun/internal/config"
	"github.com/teslashibe/go-rtgun/internal/health"
	"github.com/teslashibe/go-rtgun/internal/metrics"
	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/reports"
	"github.com/teslashibe/go-rtgun/internal/simulate"
)

var recordingStart = time.Date(2025, 9, 16, 11, 0, 0, 0, time.UTC)

func setupTestServer(t *testing.T) (*Server, *reports.Tracker) {
	t.Helper()

	raw := t.TempDir()
	opts := simulate.DefaultOptions()
	if _, err := simulate.WriteRecordings(raw, recordingStart, opts.SampleRate, simulate.Clicks(opts)); err != nil {
		t.Fatalf("WriteRecordings() error = %v", err)
	}

	cfg := config.Default()
	cfg.Server.Port = 9000
	cfg.Audio.PreMarginS = 0.1
	cfg.Audio.PostMarginS = 0.3
	cfg.Array.MaxLagS = 0.02
	cfg.Data.RawDir = raw

	logger := slog.Default()
	p := pipeline.New(
		pipeline.SettingsFromConfig(cfg),
		audio.NewDirectory(raw, cfg.Audio.Formats, logger),
		nil,
		logger,
	)
	tracker := reports.NewTracker(p, 10, logger)

	checker := health.NewChecker("test")
	checker.AddProbe(health.ComponentRawDir, true, health.DirProbe(raw))

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("metrics.Register() error = %v", err)
	}

	return New(cfg, tracker, checker, reg, logger), tracker
}

func doRequest(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, data
}

func TestServer_Health(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := doRequest(t, server, "GET", "/health", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	var result health.Status
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if result.Version != "test" {
		t.Errorf("expected version 'test', got %v", result.Version)
	}

	if !result.Components[health.ComponentRawDir].Healthy {
		t.Error("expected raw_dir to be healthy")
	}
}

func TestServer_TDOA(t *testing.T) {
	server, tracker := setupTestServer(t)

	status, body := doRequest(t, server, "POST", "/api/tdoa", `{"trigger":"2025-09-16T11:00:00.5Z"}`)
	if status != 200 {
		t.Fatalf("expected status 200, got %d: %s", status, body)
	}

	var report pipeline.Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if report.Reference != "M1" || len(report.Delays) != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if d := report.Delays[1].DelaySeconds; d < 0.0035 || d > 0.0045 {
		t.Errorf("M2 delay = %v, want ~0.004", d)
	}
	if tracker.Latest() == nil {
		t.Error("expected the report to be tracked")
	}

	// Latest mirrors the run
	status, _ = doRequest(t, server, "GET", "/api/reports/latest", "")
	if status != 200 {
		t.Errorf("expected status 200 for latest, got %d", status)
	}
}

func TestServer_Sync(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := doRequest(t, server, "POST", "/api/sync", `{"trigger":"2025-09-16T11:00:00.5+00:00"}`)
	if status != 200 {
		t.Fatalf("expected status 200, got %d: %s", status, body)
	}

	var report pipeline.SyncReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if report.Length != 19200 || len(report.Windows) != 3 {
		t.Errorf("unexpected sync report %+v", report)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"malformed trigger", "/api/tdoa", `{"trigger":"noon"}`, 400},
		{"bad json", "/api/tdoa", `{`, 400},
		{"no recordings", "/api/tdoa", `{"trigger":"2025-09-16T12:00:00Z"}`, 404},
		{"missing reference", "/api/tdoa", `{"trigger":"2025-09-16T11:00:00.5Z","reference":"M9"}`, 422},
		{"sync no recordings", "/api/sync", `{"trigger":"2025-09-16T12:00:00Z"}`, 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doRequest(t, server, "POST", tt.path, tt.body)
			if status != tt.want {
				t.Errorf("expected status %d, got %d: %s", tt.want, status, body)
			}
		})
	}
}

func TestServer_LatestBeforeRun(t *testing.T) {
	server, _ := setupTestServer(t)

	status, _ := doRequest(t, server, "GET", "/api/reports/latest", "")
	if status != 404 {
		t.Errorf("expected status 404, got %d", status)
	}
}

func TestServer_Stats(t *testing.T) {
	server, _ := setupTestServer(t)

	doRequest(t, server, "POST", "/api/tdoa", `{"trigger":"2025-09-16T11:00:00.5Z"}`)

	status, body := doRequest(t, server, "GET", "/api/stats", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	var result struct {
		Runs reports.Stats `json:"runs"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if result.Runs.LocateCount != 1 {
		t.Errorf("expected one locate run, got %d", result.Runs.LocateCount)
	}
}

func TestServer_Metrics(t *testing.T) {
	server, _ := setupTestServer(t)

	doRequest(t, server, "POST", "/api/tdoa", `{"trigger":"2025-09-16T11:00:00.5Z"}`)

	status, body := doRequest(t, server, "GET", "/metrics", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	for _, metric := range []string{
		"rtgun_runs_total",
		"rtgun_run_seconds",
		"rtgun_gcc_peak",
	} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestServer_Config(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := doRequest(t, server, "GET", "/api/config", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	serverCfg := result["server"].(map[string]any)
	if serverCfg["port"].(float64) != 9000 {
		t.Errorf("expected port 9000, got %v", serverCfg["port"])
	}

	arrayCfg := result["array"].(map[string]any)
	if mics := arrayCfg["mics"].([]any); len(mics) != 3 {
		t.Errorf("expected 3 mics, got %d", len(mics))
	}
}

func TestServer_Stream_UpgradeRequired(t *testing.T) {
	server, _ := setupTestServer(t)

	// Non-WebSocket request should get 426
	status, _ := doRequest(t, server, "GET", "/api/reports/stream", "")
	if status != 426 {
		t.Errorf("expected status 426, got %d", status)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(io.EOF); got != 500 {
		t.Errorf("statusFor(EOF) = %d, want 500", got)
	}
}
