// Package api exposes the conversion engine's query surface over HTTP:
// strategy decisions, conversion history, recent diagnostics, and
// Prometheus metrics.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/pipeline"
)

// Handler serves the read-only pipeline API
type Handler struct {
	pipe     *pipeline.Pipeline
	gatherer promclient.Gatherer
	log      *logging.Logger
}

// NewHandler creates a handler over the pipeline. gatherer may be nil to
// use the default Prometheus registry.
func NewHandler(pipe *pipeline.Pipeline, gatherer promclient.Gatherer, log *logging.Logger) *Handler {
	if gatherer == nil {
		gatherer = promclient.DefaultGatherer
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{pipe: pipe, gatherer: gatherer, log: log}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/metrics", h.Metrics).Methods("GET")

	r.HandleFunc("/api/strategy", h.Strategy).Methods("GET")
	r.HandleFunc("/api/matrix", h.Matrix).Methods("GET")
	r.HandleFunc("/api/history", h.ListHistory).Methods("GET")
	r.HandleFunc("/api/history", h.ClearHistory).Methods("DELETE")
	r.HandleFunc("/api/history/recommended", h.Recommended).Methods("GET")
	r.HandleFunc("/api/logs", h.Logs).Methods("GET")
}

// Health reports liveness and the engine lifecycle state
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"engine": h.pipe.Manager().State().String(),
	})
}

// Metrics renders the Prometheus registry in text exposition format
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	families, err := h.gatherer.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("gathering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			http.Error(w, fmt.Sprintf("encoding metrics: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(buf.Bytes())
}

// strategyResponse carries a decision plus its full reasoning trace
type strategyResponse struct {
	Decision interface{} `json:"decision"`
	Trace    interface{} `json:"trace"`
}

// Strategy answers ?codec=&format=&container= with a decision and trace
func (h *Handler) Strategy(w http.ResponseWriter, r *http.Request) {
	codec := r.URL.Query().Get("codec")
	format := models.Format(r.URL.Query().Get("format"))
	container := r.URL.Query().Get("container")

	if codec == "" {
		http.Error(w, "codec parameter is required", http.StatusBadRequest)
		return
	}
	if format != models.FormatGIF && format != models.FormatWebP && format != models.FormatMP4 {
		http.Error(w, "format must be one of: gif, webp, mp4", http.StatusBadRequest)
		return
	}

	decision, trace := h.pipe.StrategyReasoning(codec, format, container)
	h.writeJSON(w, http.StatusOK, strategyResponse{Decision: decision, Trace: trace})
}

// Matrix lists the active codec/format preference rows
func (h *Handler) Matrix(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pipe.Registry().MatrixEntries())
}

// ListHistory returns all conversion records, oldest first
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	records := h.pipe.History().All()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// ClearHistory wipes the conversion history
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	h.pipe.History().Clear()
	w.WriteHeader(http.StatusNoContent)
}

// Recommended answers ?codec=&format= with the history-derived path, or
// 404 when history has no successful records for the pair.
func (h *Handler) Recommended(w http.ResponseWriter, r *http.Request) {
	codec := r.URL.Query().Get("codec")
	format := models.Format(r.URL.Query().Get("format"))
	if codec == "" {
		http.Error(w, "codec parameter is required", http.StatusBadRequest)
		return
	}

	rec := h.pipe.History().RecommendedPath(codec, format)
	if rec == nil {
		http.Error(w, "no recommendation for this codec/format", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// Logs returns the bounded engine diagnostic buffer
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": h.pipe.RecentLogs(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding response", map[string]interface{}{"error": err.Error()})
	}
}
