package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/metrics"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/pipeline"
)

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Pipeline) {
	t.Helper()
	caps := &models.Capabilities{
		H264: true, HEVC: true, VP8: true, VP9: true,
		GIFEncoder: true, WebPEncoder: true,
		HardwareAccel: true, CPUCores: 8,
	}
	env := models.Environment{SharedMemory: true, MultiThreaded: true}
	cfg := pipeline.Config{
		EngineFactory: func() (engine.Engine, error) { return engine.NewFakeEngine(), nil },
	}

	reg := promclient.NewRegistry()
	rec := metrics.NewRecorder(reg)
	rec.ObserveDecision("matrix", models.PathGPU)

	pipe := pipeline.New(env, caps, cfg, nil, rec, nil)
	h := NewHandler(pipe, reg, nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, pipe
}

func getJSON(t *testing.T, url string, into interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
	if body["engine"] == "" {
		t.Error("engine state missing from health response")
	}
}

func TestStrategyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		Decision struct {
			Path       string `json:"path"`
			Confidence string `json:"confidence"`
		} `json:"decision"`
		Trace []json.RawMessage `json:"trace"`
	}
	resp := getJSON(t, srv.URL+"/api/strategy?codec=h264&format=gif&container=mp4", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body.Decision.Path != "gpu" || body.Decision.Confidence != "high" {
		t.Errorf("decision = %+v, want gpu/high", body.Decision)
	}
	if len(body.Trace) == 0 {
		t.Error("trace is empty")
	}
}

func TestStrategyEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing codec", "format=gif", http.StatusBadRequest},
		{"bad format", "codec=h264&format=avi", http.StatusBadRequest},
		{"valid", "codec=h264&format=webp", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := getJSON(t, srv.URL+"/api/strategy?"+tt.query, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv, pipe := newTestServer(t)

	pipe.RecordOutcome(models.ConversionRecord{
		Codec: "h264", Format: models.FormatGIF, Path: models.PathGPU,
		DurationMs: 2000, Success: true, Timestamp: time.Now(),
	})

	var listing struct {
		Count int `json:"count"`
	}
	getJSON(t, srv.URL+"/api/history", &listing)
	if listing.Count != 1 {
		t.Errorf("history count = %d, want 1", listing.Count)
	}

	var rec struct {
		Path string `json:"path"`
	}
	resp := getJSON(t, srv.URL+"/api/history/recommended?codec=h264&format=gif", &rec)
	if resp.StatusCode != http.StatusOK || rec.Path != "gpu" {
		t.Errorf("recommended = %d/%+v, want 200/gpu", resp.StatusCode, rec)
	}

	// unknown pair yields 404
	resp = getJSON(t, srv.URL+"/api/history/recommended?codec=av1&format=webp", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("recommended for empty history = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/history", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE history: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", delResp.StatusCode)
	}

	getJSON(t, srv.URL+"/api/history", &listing)
	if listing.Count != 0 {
		t.Errorf("history count after clear = %d, want 0", listing.Count)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "vidforge_strategy_decisions_total") {
		t.Error("decision counter missing from exposition")
	}
}
