package flowstats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"Go2NetLabel/internal/config"

	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const oneFlow = `[{"switch_id": 1, "match": {"in_port": 1}, "actions": ["OUTPUT:2"], "packet_count": 4, "byte_count": 400, "duration_sec": 1}]`

// fakeController serves /flows, failing the first `fail` requests.
func fakeController(t *testing.T, fail int32, body string) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	r := mux.NewRouter()
	r.HandleFunc("/flows", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		if n <= fail {
			http.Error(w, "controller busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}).Methods(http.MethodGet)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func clientConfig(base string) config.FlowStatsConfig {
	return config.FlowStatsConfig{
		BaseURL:           base,
		PollInterval:      10 * time.Millisecond,
		RequestTimeout:    time.Second,
		BackoffMultiplier: 5,
		RetryAttempts:     3,
		BreakerFailures:   5,
	}
}

func TestClient_Fetch(t *testing.T) {
	srv, calls := fakeController(t, 0, oneFlow)
	c := NewClient(clientConfig(srv.URL+"/"), zaptest.NewLogger(t))
	assert.Equal(t, srv.URL+"/flows", c.URL())

	samples, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "2", samples[0].OutPort)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	srv, calls := fakeController(t, 2, oneFlow)
	c := NewClient(clientConfig(srv.URL), zaptest.NewLogger(t))

	samples, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, samples, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryUndecodableBody(t *testing.T) {
	srv, calls := fakeController(t, 0, "<html>oops</html>")
	c := NewClient(clientConfig(srv.URL), zaptest.NewLogger(t))

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, errDecode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, calls := fakeController(t, 1000, oneFlow)
	cfg := clientConfig(srv.URL)
	cfg.RetryAttempts = 1
	cfg.BreakerFailures = 2
	cfg.PollInterval = time.Second
	c := NewClient(cfg, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background())
		require.Error(t, err)
	}
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RequestTimeout(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/flows", func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	cfg := clientConfig(srv.URL)
	cfg.RetryAttempts = 1
	cfg.RequestTimeout = 50 * time.Millisecond
	c := NewClient(cfg, zaptest.NewLogger(t))

	start := time.Now()
	_, err := c.Fetch(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
