package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums the samples of a counter family in reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestCollectorsRegisterIndependently(t *testing.T) {
	regA, regB := prometheus.NewRegistry(), prometheus.NewRegistry()
	a := New(regA)
	New(regB)

	a.StakesRejected.WithLabelValues("insufficient_funds").Inc()
	a.StakesRejected.WithLabelValues("duplicate_stake").Add(2)
	a.StakesAccepted.Inc()

	assert.Equal(t, float64(3), counterValue(t, regA, "wager_stakes_rejected_total"))
	assert.Equal(t, float64(1), counterValue(t, regA, "wager_stakes_accepted_total"))
	assert.Equal(t, float64(0), counterValue(t, regB, "wager_stakes_accepted_total"))

	// NewNoop never collides with a registry already in use.
	assert.NotPanics(t, func() { NewNoop() })
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return fmt.Sprintf("127.0.0.1:%d", l.Addr().(*net.TCPAddr).Port)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeExposesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.StakesAccepted.Add(3)

	var healthy atomic.Bool
	healthy.Store(true)
	addr := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, reg, func(context.Context) error {
			if !healthy.Load() {
				return errors.New("db down")
			}
			return nil
		})
	}()

	code, body := get(t, "http://"+addr+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "wager_stakes_accepted_total 3"), body)

	code, _ = get(t, "http://"+addr+"/healthz")
	assert.Equal(t, http.StatusOK, code)

	healthy.Store(false)
	code, _ = get(t, "http://"+addr+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
