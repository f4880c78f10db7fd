// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package health exposes the scheduler's status snapshot (spec §4.7) over
// Prometheus metrics, gRPC health checking, and a plain HTTP endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/VividCortex/gohistogram"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// SubServeStatus is the last-run/error-count snapshot for one sub-serve
// or background task, aggregated into Snapshot.
type SubServeStatus struct {
	Name              string `json:"name"`
	LastRunUnix       int64  `json:"last_run_unix"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	TotalErrors       int64  `json:"total_errors"`
}

// Snapshot aggregates every sub-serve and background task's status plus
// an overall Healthy verdict, per spec §4.7.
type Snapshot struct {
	SubServes []SubServeStatus `json:"sub_serves"`
	Healthy   bool              `json:"healthy"`
}

// ErrorThreshold is the consecutive-error count past which a background
// task is considered unhealthy, per spec §4.7.
const ErrorThreshold = 10

// Tracker aggregates sub-serve/background-task health and exposes it as
// Prometheus counters, a latency histogram per sub-serve, a gRPC health
// service, and an HTTP JSON snapshot.
type Tracker struct {
	mu         sync.Mutex
	statuses   map[string]*SubServeStatus
	histograms map[string]*gohistogram.NumericHistogram

	errorsTotal *prometheus.CounterVec
	runsTotal   *prometheus.CounterVec

	grpcHealth *health.Server
}

// NewTracker builds a Tracker and registers its Prometheus collectors
// against reg.
func NewTracker(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		statuses:   make(map[string]*SubServeStatus),
		histograms: make(map[string]*gohistogram.NumericHistogram),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buttercup_subserve_errors_total",
			Help: "Count of errors per scheduler sub-serve or background task.",
		}, []string{"name"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buttercup_subserve_runs_total",
			Help: "Count of invocations per scheduler sub-serve or background task.",
		}, []string{"name"}),
		grpcHealth: health.NewServer(),
	}
	reg.MustRegister(t.errorsTotal, t.runsTotal)
	t.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return t
}

func (t *Tracker) statusFor(name string) *SubServeStatus {
	s, ok := t.statuses[name]
	if !ok {
		s = &SubServeStatus{Name: name}
		t.statuses[name] = s
	}
	return s
}

// RecordRun records that name ran and took durationSeconds, updating its
// latency histogram.
func (t *Tracker) RecordRun(name string, nowUnix int64, durationSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.statusFor(name)
	s.LastRunUnix = nowUnix
	s.ConsecutiveErrors = 0
	t.runsTotal.WithLabelValues(name).Inc()
	h, ok := t.histograms[name]
	if !ok {
		h = gohistogram.NewHistogram(20)
		t.histograms[name] = h
	}
	h.Add(durationSeconds)
}

// RecordError records a failed invocation of name.
func (t *Tracker) RecordError(name string, nowUnix int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.statusFor(name)
	s.LastRunUnix = nowUnix
	s.ConsecutiveErrors++
	s.TotalErrors++
	t.errorsTotal.WithLabelValues(name).Inc()

	if s.ConsecutiveErrors > ErrorThreshold {
		t.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}

// Snapshot returns the current aggregated status.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	healthy := true
	subServes := make([]SubServeStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		if s.ConsecutiveErrors > ErrorThreshold {
			healthy = false
		}
		subServes = append(subServes, *s)
	}
	return Snapshot{SubServes: subServes, Healthy: healthy}
}

// GRPCHealthServer returns the gRPC health service to register on a
// grpc.Server.
func (t *Tracker) GRPCHealthServer() grpc_health_v1.HealthServer {
	return t.grpcHealth
}

// HTTPHandler serves the JSON snapshot and the Prometheus /metrics
// endpoint, wrapped with gorilla/handlers' combined logging middleware.
func (t *Tracker) HTTPHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := t.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if !snap.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return handlers.CombinedLoggingHandler(os.Stderr, mux)
}
