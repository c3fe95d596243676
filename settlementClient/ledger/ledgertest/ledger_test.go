package ledgertest

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New()

	createKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	a := solana.NewWallet().PublicKey().String()
	b := solana.NewWallet().PublicKey().String()

	v, err := l.CreateVault(ctx, createKey, []string{l.SystemKey(), a, b}, 2)
	require.NoError(t, err)
	l.Fund(v.Address, 2_000)

	_, err = l.CreateVault(ctx, createKey, []string{l.SystemKey(), a, b}, 2)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeRejected))

	_, err = l.CreateProposal(ctx, v.Address, 2, []ledger.Transfer{{Recipient: a, Lamports: 1}})
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeRejected), "sequence must be next")

	plan := []ledger.Transfer{{Recipient: a, Lamports: 1_900}, {Recipient: b, Lamports: 100}}
	p, err := l.CreateProposal(ctx, v.Address, 1, plan)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, p.Status)
	assert.NotEmpty(t, p.Message)

	_, err = l.ApproveProposal(ctx, v.Address, 1)
	require.NoError(t, err)
	_, err = l.ApproveProposal(ctx, v.Address, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AlreadyApproved")

	_, err = l.ExecuteProposal(ctx, v.Address, 1)
	require.Error(t, err, "not approved yet")

	require.NoError(t, l.ApproveAs(v.Address, 1, a))
	p, err = l.GetProposal(ctx, v.Address, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, p.Status)

	_, err = l.ExecuteProposal(ctx, v.Address, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_900), l.BalanceOf(a))
	balance, err := l.GetVaultBalance(ctx, v.Address)
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = l.ExecuteProposal(ctx, v.Address, 1)
	require.Error(t, err, "executes once")
	assert.Equal(t, uint64(1_900), l.BalanceOf(a))
}
