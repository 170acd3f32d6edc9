package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitcore/health"
	"github.com/glimte/rabbitcore/internal/rabbitmq"
)

// offlineStats reports a manager that never connected.
type offlineStats struct{}

func (offlineStats) Stats() rabbitmq.Stats {
	return rabbitmq.Stats{MaxChannels: 20}
}

func TestServer(t *testing.T) {
	registry := health.NewRegistry("svc")
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rabbitcore_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	app := newServer(registry, reg)

	t.Run("liveness", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/livez", nil))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "alive", string(body))
	})

	t.Run("healthz follows the registry", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)

		registry.Register(health.NewConnectionChecker(offlineStats{}, health.DefaultBudgetWarning))
		resp, err = app.Test(httptest.NewRequest("GET", "/healthz", nil))
		require.NoError(t, err)
		assert.Equal(t, 503, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), `"connection":"svc"`)
		assert.Contains(t, string(body), `"name":"rabbitmq"`)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Contains(t, string(body), "rabbitcore_test_total 1")
	})
}

func TestRootCommand(t *testing.T) {
	t.Run("lists subcommands", func(t *testing.T) {
		root := newRootCommand()
		names := []string{}
		for _, c := range root.Commands() {
			names = append(names, c.Name())
		}
		assert.Subset(t, names, []string{"send", "consume", "serve"})
	})

	t.Run("send requires three arguments", func(t *testing.T) {
		root := newRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs([]string{"send", "orders"})

		assert.Error(t, root.Execute())
	})

	t.Run("invalid settings are reported before dialing", func(t *testing.T) {
		t.Setenv("RABBITCORE_HOST", "")
		root := newRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs([]string{"send", "orders", "rk", "body"})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create client")
	})
}
