package balance

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/settletest"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const tolerance = 1_000_000 // 0.001 SOL

func newWorker(env *settletest.Env, m *metrics.Metrics) *Worker {
	return NewWorker(Config{
		Store:     env.Store,
		Ledger:    env.Ledger,
		Recorder:  env.Recorder,
		Metrics:   m,
		Tolerance: tolerance,
		Logger:    env.Logger,
	})
}

func TestExpectedRange(t *testing.T) {
	const stake = 100
	tests := []struct {
		name   string
		match  store.Match
		lo, hi uint64
	}{
		{"nothing confirmed", store.Match{State: store.MatchStateVaultCreated, StakeLamports: stake}, 0, 200},
		{"one confirmed", store.Match{State: store.MatchStateVaultCreated, StakeLamports: stake, DepositAConfirmed: true}, 100, 200},
		{"ready", store.Match{State: store.MatchStateReady, StakeLamports: stake, DepositAConfirmed: true, DepositBConfirmed: true}, 200, 200},
		{"settling one deposit", store.Match{State: store.MatchStateSettling, StakeLamports: stake, DepositBConfirmed: true}, 100, 100},
		{"settled", store.Match{State: store.MatchStateSettled, StakeLamports: stake, DepositAConfirmed: true, DepositBConfirmed: true}, 0, 0},
		{"refunded", store.Match{State: store.MatchStateRefunded, StakeLamports: stake}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := ExpectedRange(&tt.match)
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestOutside(t *testing.T) {
	assert.False(t, outside(100, 100, 100, 0))
	assert.False(t, outside(95, 100, 100, 5))
	assert.True(t, outside(94, 100, 100, 5))
	assert.False(t, outside(105, 100, 100, 5))
	assert.True(t, outside(106, 100, 100, 5))
	assert.False(t, outside(0, 3, 10, 5))
}

func TestPendingDepositsWithinRange(t *testing.T) {
	env := settletest.New(t)
	env.Match(t, "m1", settletest.DefaultStake)
	m := env.WithVault(t, "m1")
	env.Ledger.Fund(m.VaultAddress, 100_000_000) // 0.1 of an expected 0.2

	c, err := newWorker(env, nil).CheckMatch(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, c.Discrepancy)
	assert.Equal(t, uint64(0), c.ExpectedMin)
	assert.Equal(t, uint64(200_000_000), c.ExpectedMax)
}

func TestSettledVaultWithResidualAlerts(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	require.NoError(t, env.Store.FinalizeMatch("m1", store.MatchStateSettled))
	env.Ledger.SetBalance(m.VaultAddress, 50_000_000)

	events, unsubscribe := env.Recorder.Bus().Subscribe(4)
	defer unsubscribe()
	met := metrics.New()
	w := newWorker(env, met)

	checks, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].Discrepancy)
	assert.Equal(t, uint64(50_000_000), checks[0].Balance)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.BalanceDiscrepancy))

	e := <-events
	assert.Equal(t, audit.EventBalanceDiscrepancy, e.Type)
	assert.Equal(t, "m1", e.MatchID)

	// The same balance is not audited twice.
	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	entries, err := env.Recorder.Entries("m1")
	require.NoError(t, err)
	n := 0
	for _, en := range entries {
		if en.Action == audit.ActionBalanceDiscrepancy {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(met.BalanceDiscrepancy))

	// Never archived while in discrepancy.
	stored, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	assert.Nil(t, stored.ArchivedAt)
}

func TestSettledEmptyVaultIsVerifiedAndArchived(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	require.NoError(t, env.Store.FinalizeMatch("m1", store.MatchStateRefunded))
	env.Ledger.SetBalance(m.VaultAddress, 890_880) // rent reserve, within tolerance

	w := newWorker(env, nil)
	checks, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].Discrepancy)

	has, err := env.Recorder.Has("m1", audit.ActionBalanceVerified)
	require.NoError(t, err)
	assert.True(t, has)

	stored, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	assert.NotNil(t, stored.ArchivedAt)

	checks, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestMissingDepositAlerts(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	env.Ledger.SetBalance(m.VaultAddress, settletest.DefaultStake) // one stake gone

	c, err := newWorker(env, nil).CheckMatch(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, c.Discrepancy)
}
