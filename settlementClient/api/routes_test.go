package api

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/supervisor"
)

func TestRoutes(t *testing.T) {
	settler := &mockSettler{}
	settler.On("Ping", mock.Anything).Return(nil)
	settler.On("Status").Return(supervisor.Snapshot{})

	s := newTestServer(t, settler)

	t.Run("Method not allowed", func(t *testing.T) {
		w := serve(s, http.MethodPost, "/api/v1/status")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("Unknown path", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/api/v1/unknown")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Metrics exposed", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "settler_")
	})

	t.Run("Metrics disabled without registry", func(t *testing.T) {
		bare := NewServer(settler, nil, zerolog.Nop(), 0)
		w := serve(bare, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMetricsReflectActivity(t *testing.T) {
	m := metrics.New()
	m.IncRepair()

	s := NewServer(&mockSettler{}, m.Registry(), zerolog.Nop(), 0)
	w := serve(s, http.MethodGet, "/metrics")
	assert.Contains(t, w.Body.String(), "settler_drift_repairs_total 1")
}
