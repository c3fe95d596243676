package proposal

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/ledger/ledgertest"
	"github.com/guess5/escrow-settler/settlementClient/settletest"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

func newFactory(env *settletest.Env) *Factory {
	return NewFactory(Config{
		Store:    env.Store,
		Ledger:   env.Ledger,
		Recorder: env.Recorder,
		Logger:   env.Logger,
	})
}

func TestCreateOrReuseCreatesThenReuses(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)
	plan := settletest.Split(m)

	first, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, plan)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, store.ProposalStatusActive, first.Status)
	assert.Equal(t, 2, first.NeedsSignatures)
	assert.Equal(t, store.ProposalKindRefund, first.Kind)

	stored, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, first.Address, stored.ProposalAddress)
	assert.Equal(t, uint64(1), stored.ProposalSequence)

	second, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, plan)
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)
	assert.Equal(t, 1, env.Ledger.Calls(ledgertest.OpCreateProposal))

	has, err := env.Recorder.Has("m1", audit.ActionProposalCreated)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCreateOrReuseConcurrentCallsCreateOnce(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)
	plan := settletest.Split(m)

	const callers = 8
	var wg sync.WaitGroup
	addrs := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, plan)
			errs[i] = err
			if err == nil {
				addrs[i] = p.Address
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, addrs[0], addrs[i])
	}
	assert.Equal(t, 1, env.Ledger.Calls(ledgertest.OpCreateProposal))

	live, err := env.Store.CountLiveProposals("m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)
}

func TestCreateOrReuseAdoptsUntrackedProposal(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)
	plan := settletest.Split(m)

	// A submission that landed but whose response was lost.
	landed, err := env.Ledger.CreateProposal(context.Background(), m.VaultAddress, 1, plan)
	require.NoError(t, err)

	p, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, plan)
	require.NoError(t, err)
	assert.Equal(t, landed.Address, p.Address)
	assert.Equal(t, 1, env.Ledger.Calls(ledgertest.OpCreateProposal))

	has, err := env.Recorder.Has("m1", audit.ActionProposalRepointed)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCreateOrReuseRefusesSecondPlan(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)

	_, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, settletest.Split(m))
	require.NoError(t, err)

	_, err = f.CreateOrReuse(context.Background(), "m1", store.ProposalKindPayout, settletest.WinnerTakesAll(m, m.PlayerA))
	require.Error(t, err)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeProposalConflict))
	assert.Equal(t, 1, env.Ledger.Calls(ledgertest.OpCreateProposal))
}

func TestCreateOrReuseReplacesRejectedProposal(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)
	plan := settletest.Split(m)

	first, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, plan)
	require.NoError(t, err)
	env.Ledger.Mutate(m.VaultAddress, first.Sequence, func(p *ledger.Proposal) {
		p.Status = ledger.StatusRejected
	})

	second, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, plan)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.NotEqual(t, first.Address, second.Address)

	old, err := env.Store.GetProposal(first.Address)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalStatusArchived, old.Status)

	live, err := env.Store.CountLiveProposals("m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)
}

func TestCreateOrReuseTransientSubmissionFailure(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)
	env.Ledger.FailNext(ledgertest.OpCreateProposal, settleerrors.NewRateLimitError("create_proposal", nil))

	_, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, settletest.Split(m))
	require.Error(t, err)
	assert.True(t, settleerrors.IsRetryable(err))

	stored, err := env.Store.GetMatch("m1")
	require.NoError(t, err)
	assert.Empty(t, stored.ProposalAddress)

	p, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, settletest.Split(m))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Sequence)
}

func TestCreateOrReuseRejectsInvalidPlan(t *testing.T) {
	env := settletest.New(t)
	m := env.FundedMatch(t, "m1")
	f := newFactory(env)

	_, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindPayout,
		[]ledger.Transfer{{Recipient: m.PlayerA, Lamports: 3 * m.StakeLamports}})
	require.Error(t, err)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeInvalidInstruction))
	assert.Equal(t, 0, env.Ledger.Calls(ledgertest.OpCreateProposal))
}

func TestCreateOrReuseWithoutVault(t *testing.T) {
	env := settletest.New(t)
	m := env.Match(t, "m1", settletest.DefaultStake)
	f := newFactory(env)

	_, err := f.CreateOrReuse(context.Background(), "m1", store.ProposalKindRefund, settletest.Split(m))
	require.Error(t, err)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeNotReady))
}
