// Package metrics holds the Prometheus collectors exported by the settler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "settler"

// Metrics is the collector bundle. The zero value is not usable; a nil
// *Metrics is, and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	VaultsProvisioned   *prometheus.CounterVec
	ProposalsCreated    *prometheus.CounterVec
	SignaturesAdded     *prometheus.CounterVec
	SyncRuns            *prometheus.CounterVec
	DriftRepairs        prometheus.Counter
	ExecutionAttempts   *prometheus.CounterVec
	ExecutionsExhausted prometheus.Counter
	BalanceDiscrepancy  prometheus.Counter
	JobRunDuration      *prometheus.HistogramVec
	JobRunning          *prometheus.GaugeVec
}

// New creates the bundle and registers it on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		VaultsProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vaults_provisioned_total",
			Help:      "Vault provisioning results by outcome.",
		}, []string{"outcome"}),
		ProposalsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposal factory decisions by kind and outcome (created, reused).",
		}, []string{"kind", "outcome"}),
		SignaturesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Signatures handled by signer role and result.",
		}, []string{"role", "result"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_reconciliations_total",
			Help:      "Per-match reconciliations by result.",
		}, []string{"result"}),
		DriftRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_repairs_total",
			Help:      "Proposal references re-pointed by the repair path.",
		}),
		ExecutionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_attempts_total",
			Help:      "Execute submissions by result.",
		}, []string{"result"}),
		ExecutionsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_exhausted_total",
			Help:      "Executions that ran out of retry budget.",
		}),
		BalanceDiscrepancy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_discrepancies_total",
			Help:      "Vault balances observed outside the expected range.",
		}),
		JobRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of periodic job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"job"}),
		JobRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while a periodic job is started.",
		}, []string{"job"}),
	}

	m.registry.MustRegister(
		m.VaultsProvisioned,
		m.ProposalsCreated,
		m.SignaturesAdded,
		m.SyncRuns,
		m.DriftRepairs,
		m.ExecutionAttempts,
		m.ExecutionsExhausted,
		m.BalanceDiscrepancy,
		m.JobRunDuration,
		m.JobRunning,
	)
	return m
}

// Registry returns the registry the bundle is registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) IncVault(outcome string) {
	if m != nil {
		m.VaultsProvisioned.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncProposal(kind, outcome string) {
	if m != nil {
		m.ProposalsCreated.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncSignature(role, result string) {
	if m != nil {
		m.SignaturesAdded.WithLabelValues(role, result).Inc()
	}
}

func (m *Metrics) IncSync(result string) {
	if m != nil {
		m.SyncRuns.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncRepair() {
	if m != nil {
		m.DriftRepairs.Inc()
	}
}

func (m *Metrics) IncExecution(result string) {
	if m != nil {
		m.ExecutionAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncExhausted() {
	if m != nil {
		m.ExecutionsExhausted.Inc()
	}
}

func (m *Metrics) IncDiscrepancy() {
	if m != nil {
		m.BalanceDiscrepancy.Inc()
	}
}

// ObserveJob records one run of a periodic job.
func (m *Metrics) ObserveJob(job string, seconds float64) {
	if m != nil {
		m.JobRunDuration.WithLabelValues(job).Observe(seconds)
	}
}

// SetJobRunning flips the running gauge for job.
func (m *Metrics) SetJobRunning(job string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.JobRunning.WithLabelValues(job).Set(v)
}
