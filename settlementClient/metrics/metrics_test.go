package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IncVault("created")
	m.IncVault("created")
	m.IncProposal("PAYOUT", "reused")
	m.IncExhausted()
	m.IncDiscrepancy()
	m.SetJobRunning("sync", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.VaultsProvisioned.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProposalsCreated.WithLabelValues("PAYOUT", "reused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsExhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BalanceDiscrepancy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRunning.WithLabelValues("sync")))

	m.SetJobRunning("sync", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobRunning.WithLabelValues("sync")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncVault("created")
		m.IncSync("ok")
		m.ObserveJob("sync", 1)
		m.SetJobRunning("sync", true)
	})
	assert.NotNil(t, m.Registry())
}
