// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestSnapshotHealthyWithNoRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)
	snap := tr.Snapshot()
	require.True(t, snap.Healthy)
	require.Empty(t, snap.SubServes)
}

func TestRecordRunResetsConsecutiveErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)

	for i := 0; i < 3; i++ {
		tr.RecordError("sub_a", 100)
	}
	tr.RecordRun("sub_a", 101, 0.5)

	snap := tr.Snapshot()
	require.Len(t, snap.SubServes, 1)
	require.Equal(t, "sub_a", snap.SubServes[0].Name)
	require.Equal(t, 0, snap.SubServes[0].ConsecutiveErrors)
	require.EqualValues(t, 3, snap.SubServes[0].TotalErrors)
	require.True(t, snap.Healthy)
}

func TestConsecutiveErrorsPastThresholdIsUnhealthy(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)

	for i := 0; i <= ErrorThreshold; i++ {
		tr.RecordError("sub_b", int64(i))
	}

	snap := tr.Snapshot()
	require.False(t, snap.Healthy)

	resp, err := tr.GRPCHealthServer().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestGRPCHealthStartsServing(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)
	resp, err := tr.GRPCHealthServer().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestHTTPHandlerStatusEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)
	tr.RecordRun("sub_a", 42, 0.1)

	srv := httptest.NewServer(tr.HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.True(t, snap.Healthy)
	require.Len(t, snap.SubServes, 1)
}

func TestHTTPHandlerUnhealthyReturns503(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)
	for i := 0; i <= ErrorThreshold; i++ {
		tr.RecordError("sub_b", int64(i))
	}

	srv := httptest.NewServer(tr.HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPHandlerMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)
	tr.RecordRun("sub_a", 1, 0.01)

	srv := httptest.NewServer(tr.HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
