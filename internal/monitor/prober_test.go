package monitor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shipmate-dev/shipmate/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProberHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report, err := monitor.NewHTTPProber(time.Second).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
}

func TestHTTPProberUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream timed out", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	report, err := monitor.NewHTTPProber(time.Second).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Detail, "503")
	require.NotEmpty(t, report.RecentLogs)
	assert.Contains(t, report.RecentLogs[0], "upstream timed out")
}

func TestHTTPProberConnectionRefusedIsVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close() // nothing listens anymore

	report, err := monitor.NewHTTPProber(time.Second).Probe(context.Background(), target)
	require.NoError(t, err, "a dead workload is an unhealthy verdict, not a probe error")
	assert.False(t, report.Healthy)
	assert.NotEmpty(t, report.Detail)
}

func TestHTTPProberRejectsEmptyTarget(t *testing.T) {
	_, err := monitor.NewHTTPProber(time.Second).Probe(context.Background(), "  ")
	assert.Error(t, err)
}
