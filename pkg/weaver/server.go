// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package weaver serves neural machine translation models over HTTP,
// with beam search decoding and full attention introspection.
package weaver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/antflydb/weaver/pkg/weaver/lib/translate"
)

// Metrics for Prometheus scraping
var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_requests_total",
			Help: "Total translate requests by model and status",
		},
		[]string{"model", "status"},
	)

	sequencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_sequences_total",
			Help: "Total decoded sequences by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_request_duration_seconds",
			Help:    "Translate request latency by model",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	activeDecodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weaver_active_decodes",
			Help: "Batches currently holding a decode slot",
		},
	)
)

// TranslateRequest is the POST /api/translate body. Partials and
// Attention are positional against Texts; shorter slices leave the
// remaining sequences unconstrained.
type TranslateRequest struct {
	Model     string        `json:"model"`
	Texts     []string      `json:"texts"`
	Partials  []string      `json:"partials,omitempty"`
	Attention []map[int]int `json:"attention,omitempty"`
	K         int           `json:"k,omitempty"`
	Precision *int          `json:"precision,omitempty"`
}

// TranslateResponse is the POST /api/translate reply. Results holds one
// entry per requested text, each either a translation or an error
// marker; per-sequence failures never fail the batch.
type TranslateResponse struct {
	RequestID string                     `json:"request_id"`
	Model     string                     `json:"model"`
	Results   []translate.SequenceResult `json:"results"`
}

// ModelsResponse is the GET /api/models reply
type ModelsResponse struct {
	Models []string `json:"models"`
}

// Server exposes the translation API
type Server struct {
	registry TranslatorRegistryInterface
	queue    *RequestQueue
	server   *http.Server
	logger   *zap.Logger

	listenAddr string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string
	Queue      RequestQueueConfig
	Logger     *zap.Logger // Optional logger (defaults to nop)
}

// NewServer creates a server over a loaded registry
func NewServer(registry TranslatorRegistryInterface, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		registry:   registry,
		queue:      NewRequestQueue(cfg.Queue, logger.Named("queue")),
		listenAddr: cfg.ListenAddr,
		logger:     logger,
	}
}

// Handler returns the API routes, exposed for tests and embedding
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/translate", s.handleTranslate)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Serving translation API", zap.String("addr", s.listenAddr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Queue exposes the admission queue for stats
func (s *Server) Queue() *RequestQueue {
	return s.queue
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	start := time.Now()

	var req TranslateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		requestsTotal.WithLabelValues(req.Model, "bad_request").Inc()
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Texts) == 0 {
		requestsTotal.WithLabelValues(req.Model, "bad_request").Inc()
		http.Error(w, "texts is required", http.StatusBadRequest)
		return
	}

	translator, err := s.registry.Get(req.Model)
	if err != nil {
		requestsTotal.WithLabelValues(req.Model, "unknown_model").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	release, err := s.queue.Acquire(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			requestsTotal.WithLabelValues(req.Model, "queue_full").Inc()
			WriteQueueFullResponse(w, 5*time.Second)
		case errors.Is(err, ErrRequestTimeout):
			requestsTotal.WithLabelValues(req.Model, "timeout").Inc()
			WriteTimeoutResponse(w)
		default:
			requestsTotal.WithLabelValues(req.Model, "cancelled").Inc()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}
	defer release()

	activeDecodes.Inc()
	defer activeDecodes.Dec()

	results := translator.TranslateBatch(r.Context(), translate.BatchRequest{
		Texts:     req.Texts,
		Partials:  req.Partials,
		Attn:      req.Attention,
		K:         req.K,
		Precision: req.Precision,
	})

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
			sequencesTotal.WithLabelValues(req.Model, string(res.Err.Kind)).Inc()
		} else {
			sequencesTotal.WithLabelValues(req.Model, "ok").Inc()
		}
	}

	duration := time.Since(start)
	requestsTotal.WithLabelValues(req.Model, "success").Inc()
	requestLatency.WithLabelValues(req.Model).Observe(duration.Seconds())
	s.logger.Info("Translated batch",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Int("sequences", len(results)),
		zap.Int("failed", failed),
		zap.Duration("duration", duration))

	writeJSON(w, http.StatusOK, TranslateResponse{
		RequestID: requestID,
		Model:     req.Model,
		Results:   results,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: s.registry.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
