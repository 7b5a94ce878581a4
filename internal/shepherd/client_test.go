package shepherd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

type shepherdStub struct {
	mu         sync.Mutex
	requested  []string
	started    []string
	stopped    []string
	startError string
	flockState map[string]string
}

func newShepherdStub() *shepherdStub {
	return &shepherdStub{flockState: make(map[string]string)}
}

func (s *shepherdStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/request_flock/{flock}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		reqid := "flock-1"
		s.requested = append(s.requested, r.URL.Query().Get("pool"))
		s.flockState[reqid] = "new"
		writeJSON(w, map[string]string{"reqid": reqid})
	})
	mux.HandleFunc("POST /api/start_flock/{reqid}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		reqid := r.PathValue("reqid")
		if s.startError != "" {
			writeJSON(w, map[string]string{"error": s.startError})
			return
		}
		s.started = append(s.started, reqid)
		s.flockState[reqid] = "running"
		writeJSON(w, map[string]string{"reqid": reqid, "state": "running"})
	})
	mux.HandleFunc("POST /api/stop_flock/{reqid}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		reqid := r.PathValue("reqid")
		if _, ok := s.flockState[reqid]; !ok {
			writeJSON(w, map[string]string{"error": "invalid_reqid"})
			return
		}
		s.stopped = append(s.stopped, reqid)
		delete(s.flockState, reqid)
		writeJSON(w, map[string]string{"reqid": reqid})
	})
	mux.HandleFunc("GET /api/flock/{reqid}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		reqid := r.PathValue("reqid")
		state, ok := s.flockState[reqid]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"reqid": reqid, "state": state})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func newTestClient(t *testing.T) (*Client, *shepherdStub) {
	t.Helper()
	stub := newShepherdStub()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	client := New(Config{Endpoint: srv.URL, Browser: "chrome:latest"}, nil)
	return client, stub
}

func TestRequestInstanceStartsFlock(t *testing.T) {
	t.Parallel()

	client, stub := newTestClient(t)
	id, err := client.RequestInstance(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, "flock-1", id)
	require.Equal(t, []string{"default"}, stub.requested)
	require.Equal(t, []string{"flock-1"}, stub.started)
}

func TestRequestInstanceStopsUnstartedFlockOnError(t *testing.T) {
	t.Parallel()

	client, stub := newTestClient(t)
	stub.startError = "no capacity"

	_, err := client.RequestInstance(context.Background(), "default")
	require.ErrorIs(t, err, crawl.ErrProvisionFailed)
	require.Equal(t, []string{"flock-1"}, stub.stopped)
}

func TestRequestInstanceUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	client := New(Config{Endpoint: "http://127.0.0.1:1"}, nil)
	_, err := client.RequestInstance(context.Background(), "default")
	require.ErrorIs(t, err, crawl.ErrProvisionFailed)
}

func TestReleaseInstanceToleratesUnknownID(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	require.NoError(t, client.ReleaseInstance(context.Background(), "never-existed"))
}

func TestReleaseInstanceStopsFlock(t *testing.T) {
	t.Parallel()

	client, stub := newTestClient(t)
	id, err := client.RequestInstance(context.Background(), "default")
	require.NoError(t, err)

	require.NoError(t, client.ReleaseInstance(context.Background(), id))
	require.Equal(t, []string{id}, stub.stopped)
}

func TestHealthCheckStates(t *testing.T) {
	t.Parallel()

	client, stub := newTestClient(t)
	id, err := client.RequestInstance(context.Background(), "default")
	require.NoError(t, err)

	health, err := client.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawl.HealthHealthy, health)

	stub.mu.Lock()
	stub.flockState[id] = "stopped"
	stub.mu.Unlock()
	health, err = client.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawl.HealthUnhealthy, health)

	stub.mu.Lock()
	stub.flockState[id] = "paused"
	stub.mu.Unlock()
	health, err = client.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawl.HealthUnknown, health)

	health, err = client.HealthCheck(context.Background(), "gone")
	require.NoError(t, err)
	require.Equal(t, crawl.HealthUnhealthy, health)
}
