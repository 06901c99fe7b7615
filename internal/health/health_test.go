package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tormesh_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer("", func() Status {
		return Status{Running: true, Port: 12346, Peers: 3, ActivePeers: 2, OnionAddress: "abc.onion", TorRunning: true}
	}, reg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := get(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, RootBody, body)

	resp, body = get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)

	resp, body = get(t, ts.URL+"/status")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 12346, st.Port)
	assert.Equal(t, 2, st.ActivePeers)
	assert.Equal(t, "abc.onion", st.OnionAddress)

	_, body = get(t, ts.URL+"/metrics")
	assert.Contains(t, body, "tormesh_test_total 1")

	resp, _ = get(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartStopAndProbe(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	port := s.Port()
	require.NotZero(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Probe(ctx, URL("0.0.0.0", port)))

	// без реестра /metrics не обслуживается
	resp, _ := get(t, fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, Probe(ctx, URL("127.0.0.1", port)))
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer(ln.Addr().String(), nil, nil)
	assert.Error(t, s.Start())
}

func TestProbeRejectsUnexpectedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nope"))
	}))
	defer ts.Close()
	assert.Error(t, Probe(context.Background(), ts.URL))

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer fail.Close()
	assert.Error(t, Probe(context.Background(), fail.URL))
}
