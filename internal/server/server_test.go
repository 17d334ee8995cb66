package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reverie/internal/monitor"
	"github.com/fyrsmithlabs/reverie/internal/queue"
)

type fakeQueue struct {
	stats    queue.Stats
	statsErr error
}

func (q *fakeQueue) Publish(ctx context.Context, job queue.Job) error { return nil }
func (q *fakeQueue) Consume(ctx context.Context) (queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (q *fakeQueue) Stats(ctx context.Context) (queue.Stats, error) {
	return q.stats, q.statsErr
}

func newTestServer(t *testing.T, q queue.Queue) (*Server, *monitor.Monitor) {
	t.Helper()
	reg := prometheus.NewRegistry()
	mon := monitor.New(reg)
	srv := New(Config{Port: 0, ShutdownTimeout: time.Second}, mon, q, reg)
	return srv, mon
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "reveried", body.Service)
}

func TestStatusEndpoint(t *testing.T) {
	q := &fakeQueue{stats: queue.Stats{Depth: 5, InFlight: 2}}
	srv, mon := newTestServer(t, q)
	mon.SetWorkerState("worker-1", monitor.WorkerGenerating, "job-1")

	req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(5), snap.Queue.Depth)
	assert.Equal(t, 2, snap.Queue.InFlight)
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "worker-1", snap.Workers[0].ID)
	assert.Equal(t, monitor.WorkerGenerating, snap.Workers[0].State)
}

func TestStatusEndpointBrokerDown(t *testing.T) {
	q := &fakeQueue{statsErr: errors.New("broker unreachable")}
	srv, _ := newTestServer(t, q)

	req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, mon := newTestServer(t, &fakeQueue{})
	mon.JobsTotal.WithLabelValues(monitor.OutcomeComplete).Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reverie_jobs_total")
	assert.Contains(t, rec.Body.String(), `outcome="complete"`)
}

func TestStartShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQueue{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	// Give the listener a moment, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}
