package vault

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	"github.com/guess5/escrow-settler/settlementClient/db"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger/ledgertest"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

type fixture struct {
	prov     *Provisioner
	store    *matchstore.Store
	ledger   *ledgertest.Ledger
	recorder *audit.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st := matchstore.NewStore(database.Client(), zerolog.Nop())
	lg := ledgertest.New()
	rec := audit.NewRecorder(database.Client(), nil, zerolog.Nop())
	return &fixture{
		prov: NewProvisioner(Config{
			Store:    st,
			Ledger:   lg,
			Recorder: rec,
			Logger:   zerolog.Nop(),
		}),
		store:    st,
		ledger:   lg,
		recorder: rec,
	}
}

func newMatch(t *testing.T, st *matchstore.Store, id string) *store.Match {
	t.Helper()
	m, err := st.CreateMatch(&store.Match{
		MatchID:       id,
		PlayerA:       solana.NewWallet().PublicKey().String(),
		PlayerB:       solana.NewWallet().PublicKey().String(),
		StakeLamports: 100_000_000,
	})
	require.NoError(t, err)
	return m
}

func TestProvisionCreatesVault(t *testing.T) {
	f := setup(t)
	m := newMatch(t, f.store, "m1")

	res, err := f.prov.Provision(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Threshold)
	assert.ElementsMatch(t, []string{f.ledger.SystemKey(), m.PlayerA, m.PlayerB}, res.Members)

	stored, err := f.store.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, res.VaultAddress, stored.VaultAddress)
	assert.Equal(t, res.DepositAddress, stored.DepositAddress)
	assert.Equal(t, store.MatchStateVaultCreated, stored.State)
	assert.NotEmpty(t, stored.VaultCreateKey)

	has, err := f.recorder.Has("m1", audit.ActionVaultCreated)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestProvisionIsIdempotent(t *testing.T) {
	f := setup(t)
	newMatch(t, f.store, "m1")

	first, err := f.prov.Provision(context.Background(), "m1")
	require.NoError(t, err)
	second, err := f.prov.Provision(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, first.VaultAddress, second.VaultAddress)
	assert.False(t, second.Created)
	assert.Equal(t, 1, f.ledger.Calls(ledgertest.OpCreateVault))
}

func TestProvisionRecoversVaultCreatedBeforeCrash(t *testing.T) {
	f := setup(t)
	m := newMatch(t, f.store, "m1")

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	members := []string{f.ledger.SystemKey(), m.PlayerA, m.PlayerB}
	v, err := f.ledger.CreateVault(context.Background(), key, members, 2)
	require.NoError(t, err)
	require.NoError(t, f.store.SetVaultCreateKey("m1", "", key.PublicKey().String()))

	res, err := f.prov.Provision(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, v.Address, res.VaultAddress)
	assert.False(t, res.Created)
	assert.Equal(t, 1, f.ledger.Calls(ledgertest.OpCreateVault))

	has, err := f.recorder.Has("m1", audit.ActionVaultReused)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestProvisionRejectsMismatchedVault(t *testing.T) {
	f := setup(t)
	m := newMatch(t, f.store, "m1")

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	stranger := solana.NewWallet().PublicKey().String()
	_, err = f.ledger.CreateVault(context.Background(), key, []string{f.ledger.SystemKey(), m.PlayerA, stranger}, 2)
	require.NoError(t, err)
	require.NoError(t, f.store.SetVaultCreateKey("m1", "", key.PublicKey().String()))

	_, err = f.prov.Provision(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeConfigConflict))

	stored, err := f.store.GetMatch("m1")
	require.NoError(t, err)
	assert.Empty(t, stored.VaultAddress)
	assert.Equal(t, store.MatchStatePending, stored.State)
}

func TestProvisionTransientFailureThenSuccess(t *testing.T) {
	f := setup(t)
	newMatch(t, f.store, "m1")
	f.ledger.FailNext(ledgertest.OpCreateVault, settleerrors.NewNetworkError("create_vault", "connection reset", nil))

	_, err := f.prov.Provision(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, settleerrors.IsRetryable(err))

	res, err := f.prov.Provision(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, res.Created)

	stored, err := f.store.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, res.VaultAddress, stored.VaultAddress)
}

func TestProvisionUnknownMatch(t *testing.T) {
	f := setup(t)
	_, err := f.prov.Provision(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeValidation))
}

func TestSameMembers(t *testing.T) {
	assert.True(t, sameMembers([]string{"a", "b", "c"}, []string{"c", "a", "b"}))
	assert.False(t, sameMembers([]string{"a", "b"}, []string{"a", "b", "c"}))
	assert.False(t, sameMembers([]string{"a", "b", "d"}, []string{"a", "b", "c"}))
}
