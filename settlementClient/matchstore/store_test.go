package matchstore

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/db"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database.Client(), zerolog.Nop())
}

func createTestMatch(t *testing.T, s *Store, matchID string) *store.Match {
	t.Helper()
	m, err := s.CreateMatch(&store.Match{
		MatchID:       matchID,
		PlayerA:       "playerA",
		PlayerB:       "playerB",
		StakeLamports: 1_000,
	})
	require.NoError(t, err)
	return m
}

func TestCreateMatch(t *testing.T) {
	s := setupTestStore(t)

	m := createTestMatch(t, s, "m1")
	assert.Equal(t, store.MatchStatePending, m.State)

	t.Run("same terms is idempotent", func(t *testing.T) {
		again := createTestMatch(t, s, "m1")
		assert.Equal(t, m.ID, again.ID)
	})

	t.Run("different terms conflict", func(t *testing.T) {
		_, err := s.CreateMatch(&store.Match{MatchID: "m1", PlayerA: "x", PlayerB: "playerB", StakeLamports: 1_000})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("missing match", func(t *testing.T) {
		_, err := s.GetMatch("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestVaultAddressIsSetOnce(t *testing.T) {
	s := setupTestStore(t)
	createTestMatch(t, s, "m1")

	require.NoError(t, s.SetVaultCreateKey("m1", "", "key1"))
	assert.ErrorIs(t, s.SetVaultCreateKey("m1", "", "key2"), ErrConflict, "stale old key")

	require.NoError(t, s.SetVaultCreateKey("m1", "key1", "key2"))
	assert.ErrorIs(t, s.SetVaultAddress("m1", "key1", "vault", "deposit"), ErrConflict, "key was replaced")

	require.NoError(t, s.SetVaultAddress("m1", "key2", "vault", "deposit"))
	m, err := s.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, "vault", m.VaultAddress)
	assert.Equal(t, "deposit", m.DepositAddress)
	assert.Equal(t, store.MatchStateVaultCreated, m.State)

	assert.ErrorIs(t, s.SetVaultAddress("m1", "key2", "other", "deposit"), ErrConflict)
	assert.ErrorIs(t, s.SetVaultCreateKey("m1", "key2", "key3"), ErrConflict, "key frozen once vault is set")
}

func TestConfirmDeposit(t *testing.T) {
	s := setupTestStore(t)
	createTestMatch(t, s, "m1")
	require.NoError(t, s.SetVaultCreateKey("m1", "", "k"))
	require.NoError(t, s.SetVaultAddress("m1", "k", "v", "d"))

	m, err := s.ConfirmDeposit("m1", "playerA")
	require.NoError(t, err)
	assert.True(t, m.DepositAConfirmed)
	assert.Equal(t, store.MatchStateVaultCreated, m.State)

	m, err = s.ConfirmDeposit("m1", "playerB")
	require.NoError(t, err)
	assert.Equal(t, store.MatchStateReady, m.State)

	stored, err := s.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ConfirmedDeposits())

	_, err = s.ConfirmDeposit("m1", "stranger")
	assert.Error(t, err)
}

func TestRecordOutcome(t *testing.T) {
	s := setupTestStore(t)
	createTestMatch(t, s, "m1")

	m, err := s.RecordOutcome("m1", store.OutcomeWinA)
	require.NoError(t, err)
	assert.Equal(t, store.MatchStateSettling, m.State)

	_, err = s.RecordOutcome("m1", store.OutcomeWinA)
	assert.NoError(t, err, "same outcome is idempotent")

	_, err = s.RecordOutcome("m1", store.OutcomeWinB)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFinalizeMatch(t *testing.T) {
	s := setupTestStore(t)
	createTestMatch(t, s, "m1")

	require.NoError(t, s.FinalizeMatch("m1", store.MatchStateSettled))
	require.NoError(t, s.FinalizeMatch("m1", store.MatchStateSettled))
	assert.ErrorIs(t, s.FinalizeMatch("m1", store.MatchStateRefunded), ErrConflict)
}

func TestArchiveAndList(t *testing.T) {
	s := setupTestStore(t)
	createTestMatch(t, s, "m1")
	createTestMatch(t, s, "m2")
	require.NoError(t, s.SetVaultCreateKey("m1", "", "k"))
	require.NoError(t, s.SetVaultAddress("m1", "k", "v", "d"))

	withVault, err := s.ListMatchesWithVault()
	require.NoError(t, err)
	require.Len(t, withVault, 1)
	assert.Equal(t, "m1", withVault[0].MatchID)

	pending, err := s.ListMatchesByState(store.MatchStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ArchiveMatch("m2", time.Now()))
	pending, err = s.ListMatchesByState(store.MatchStatePending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	archived, err := s.GetMatch("m2")
	require.NoError(t, err)
	assert.NotNil(t, archived.ArchivedAt)
}
