package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/executor"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/ledger/ledgertest"
	"github.com/guess5/escrow-settler/settlementClient/proposal"
	"github.com/guess5/escrow-settler/settlementClient/settletest"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

type mockHandoff struct {
	mock.Mock
}

func (m *mockHandoff) Execute(ctx context.Context, matchID string) error {
	return m.Called(ctx, matchID).Error(0)
}

func newSyncer(env *settletest.Env, h Handoff) *Syncer {
	return New(Config{
		Store:    env.Store,
		Ledger:   env.Ledger,
		Recorder: env.Recorder,
		Handoff:  h,
		Logger:   env.Logger,
	})
}

// propose creates seq proposals 1..n on-chain with the split plan and tracks
// sequence tracked locally.
func propose(t *testing.T, env *settletest.Env, m *store.Match, n int, tracked uint64) *store.Proposal {
	t.Helper()
	var row *store.Proposal
	for seq := uint64(1); seq <= uint64(n); seq++ {
		p, err := env.Ledger.CreateProposal(context.Background(), m.VaultAddress, seq, settletest.Split(m))
		require.NoError(t, err)
		if seq == tracked {
			row, err = proposal.NewRow(m, 2, p, store.ProposalKindRefund)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, row)
	saved, err := env.Store.Repoint(m.MatchID, "", row)
	require.NoError(t, err)
	return saved
}

func TestReconcileCopiesOnchainSigners(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	tracked := propose(t, env, m, 1, 1)
	_, err := env.Ledger.ApproveProposal(context.Background(), m.VaultAddress, 1)
	require.NoError(t, err)

	p, err := newSyncer(env, nil).Reconcile(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, tracked.Address, p.Address)
	assert.Equal(t, []string{env.Ledger.SystemKey()}, p.SignerList())
	assert.Equal(t, 1, p.NeedsSignatures)
	assert.Equal(t, store.ProposalStatusActive, p.Status)

	has, err := env.Recorder.Has("m1", audit.ActionProposalDrift)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReconcileDropsSignersNotOnchain(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	tracked := propose(t, env, m, 1, 1)
	_, err := env.Ledger.ApproveProposal(context.Background(), m.VaultAddress, 1)
	require.NoError(t, err)

	require.NoError(t, env.Store.UpdateProposal(tracked.Address, map[string]any{
		"signers":          store.JoinSigners([]string{env.Ledger.SystemKey(), m.PlayerA}),
		"needs_signatures": 0,
	}))

	p, err := newSyncer(env, nil).Reconcile(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{env.Ledger.SystemKey()}, p.SignerList())
	assert.Equal(t, 1, p.NeedsSignatures)
}

func TestReconcileRepairsStaleReference(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	stale := propose(t, env, m, 5, 3)

	ctx := context.Background()
	_, err := env.Ledger.ApproveProposal(ctx, m.VaultAddress, 3)
	require.NoError(t, err)
	_, err = env.Ledger.ApproveProposal(ctx, m.VaultAddress, 5)
	require.NoError(t, err)
	require.NoError(t, env.Ledger.ApproveAs(m.VaultAddress, 5, m.PlayerA))

	p, err := newSyncer(env, nil).Reconcile(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), p.Sequence)
	assert.Equal(t, store.ProposalStatusApproved, p.Status)
	assert.Equal(t, 0, p.NeedsSignatures)

	stored, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, p.Address, stored.ProposalAddress)
	assert.Equal(t, uint64(5), stored.ProposalSequence)

	old, err := env.Store.GetProposal(stale.Address)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalStatusArchived, old.Status)

	live, err := env.Store.CountLiveProposals("m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)

	has, err := env.Recorder.Has("m1", audit.ActionProposalRepointed)
	require.NoError(t, err)
	assert.True(t, has)

	// The repaired reference executes.
	exec := executor.New(executor.Config{
		Store:           env.Store,
		Ledger:          env.Ledger,
		Recorder:        env.Recorder,
		ConfirmInterval: time.Millisecond,
		Logger:          env.Logger,
	})
	require.NoError(t, exec.Execute(ctx, "m1"))
	done, err := env.Store.GetProposal(p.Address)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalStatusExecuted, done.Status)
}

func TestReconcileRepairsMissingReference(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	propose(t, env, m, 1, 1)
	ctx := context.Background()
	_, err := env.Ledger.ApproveProposal(ctx, m.VaultAddress, 1)
	require.NoError(t, err)
	require.NoError(t, env.Ledger.ApproveAs(m.VaultAddress, 1, m.PlayerB))

	// Point the match at a sequence the ledger never allocated.
	ghost, err := env.Ledger.ProposalAddress(m.VaultAddress, 9)
	require.NoError(t, err)
	current, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	require.NoError(t, env.Store.SwapProposalRef("m1", current.ProposalAddress, ghost, 9))

	p, err := newSyncer(env, nil).Reconcile(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Sequence)
	assert.Equal(t, store.ProposalStatusApproved, p.Status)
}

func TestReconcileFlaggedWithoutReplacementLeavesState(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	tracked := propose(t, env, m, 1, 1)
	require.NoError(t, env.Store.UpdateProposal(tracked.Address, map[string]any{
		"status": store.ProposalStatusSignatureVerificationFailed,
	}))

	p, err := newSyncer(env, nil).Reconcile(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.ProposalStatusSignatureVerificationFailed, p.Status)

	stored, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, tracked.Address, stored.ProposalAddress)
}

func TestReconcileFlaggedClearsOnceApproved(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	tracked := propose(t, env, m, 1, 1)
	require.NoError(t, env.Store.UpdateProposal(tracked.Address, map[string]any{
		"status": store.ProposalStatusSignatureVerificationFailed,
	}))
	ctx := context.Background()
	_, err := env.Ledger.ApproveProposal(ctx, m.VaultAddress, 1)
	require.NoError(t, err)
	require.NoError(t, env.Ledger.ApproveAs(m.VaultAddress, 1, m.PlayerA))

	p, err := newSyncer(env, nil).Reconcile(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tracked.Address, p.Address)
	assert.Equal(t, store.ProposalStatusApproved, p.Status)
}

func TestReconcileHandsOffApprovedProposal(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	propose(t, env, m, 1, 1)
	ctx := context.Background()
	_, err := env.Ledger.ApproveProposal(ctx, m.VaultAddress, 1)
	require.NoError(t, err)

	h := &mockHandoff{}
	s := newSyncer(env, h)

	// One approval: nothing to hand off.
	_, err = s.Reconcile(ctx, "m1")
	require.NoError(t, err)
	h.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	require.NoError(t, env.Ledger.ApproveAs(m.VaultAddress, 1, m.PlayerB))
	h.On("Execute", mock.Anything, "m1").Return(nil).Once()
	_, err = s.Reconcile(ctx, "m1")
	require.NoError(t, err)
	h.AssertExpectations(t)
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	env := settletest.New(t)
	for _, id := range []string{"m1", "m2"} {
		m := env.FundedMatch(t, id)
		propose(t, env, m, 1, 1)
		_, err := env.Store.RecordOutcome(id, store.OutcomeTieFullRefund)
		require.NoError(t, err)
	}
	env.Ledger.FailNext(ledgertest.OpGetProposal, settleerrors.NewNetworkError("get_proposal", "connection reset", nil))

	summary, err := newSyncer(env, nil).SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Failed)
}

func TestReconcileWithoutProposal(t *testing.T) {
	env := settletest.New(t)
	env.FundedMatch(t, "m1")

	p, err := newSyncer(env, nil).Reconcile(context.Background(), "m1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSettled(t *testing.T) {
	assert.False(t, settled(nil))
	assert.False(t, settled(&ledger.Proposal{Status: ledger.StatusActive}))
	assert.True(t, settled(&ledger.Proposal{Status: ledger.StatusApproved}))
	assert.True(t, settled(&ledger.Proposal{Status: ledger.StatusExecuted}))
}
