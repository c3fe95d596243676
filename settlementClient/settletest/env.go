// Package settletest wires an in-memory database, match store, audit recorder
// and ledger for component tests.
package settletest

import (
	"context"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	"github.com/guess5/escrow-settler/settlementClient/db"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/ledger/ledgertest"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/signer"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

// DefaultStake is 0.1 SOL.
const DefaultStake uint64 = 100_000_000

// Env bundles the shared test dependencies.
type Env struct {
	DB       *db.DB
	Store    *matchstore.Store
	Ledger   *ledgertest.Ledger
	Recorder *audit.Recorder
	Logger   zerolog.Logger

	mu   sync.Mutex
	keys map[string]solana.PrivateKey // player public key -> private key
}

// New creates an Env closed at test cleanup.
func New(t testing.TB) *Env {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	return &Env{
		DB:       database,
		Store:    matchstore.NewStore(database.Client(), zerolog.Nop()),
		Ledger:   ledgertest.New(),
		Recorder: audit.NewRecorder(database.Client(), nil, zerolog.Nop()),
		Logger:   zerolog.Nop(),
		keys:     map[string]solana.PrivateKey{},
	}
}

// Match creates a PENDING match between two fresh players.
func (e *Env) Match(t testing.TB, matchID string, stake uint64) *store.Match {
	t.Helper()
	m, err := e.Store.CreateMatch(&store.Match{
		MatchID:       matchID,
		PlayerA:       e.newPlayer(),
		PlayerB:       e.newPlayer(),
		StakeLamports: stake,
	})
	require.NoError(t, err)
	return m
}

// WithVault creates the match's 2-of-3 vault on the ledger and binds it.
func (e *Env) WithVault(t testing.TB, matchID string) *store.Match {
	t.Helper()
	m, err := e.Store.GetMatch(matchID)
	require.NoError(t, err)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	v, err := e.Ledger.CreateVault(context.Background(), key,
		[]string{e.Ledger.SystemKey(), m.PlayerA, m.PlayerB}, 2)
	require.NoError(t, err)

	createKey := key.PublicKey().String()
	require.NoError(t, e.Store.SetVaultCreateKey(matchID, "", createKey))
	require.NoError(t, e.Store.SetVaultAddress(matchID, createKey, v.Address, v.DepositAddress))

	m, err = e.Store.GetMatch(matchID)
	require.NoError(t, err)
	return m
}

// Deposit confirms a player's stake and funds the vault with it.
func (e *Env) Deposit(t testing.TB, matchID, player string) *store.Match {
	t.Helper()
	m, err := e.Store.ConfirmDeposit(matchID, player)
	require.NoError(t, err)
	e.Ledger.Fund(m.VaultAddress, m.StakeLamports)
	return m
}

// FundedMatch creates a match with a vault and both stakes deposited.
func (e *Env) FundedMatch(t testing.TB, matchID string) *store.Match {
	t.Helper()
	m := e.Match(t, matchID, DefaultStake)
	e.WithVault(t, matchID)
	e.Deposit(t, matchID, m.PlayerA)
	return e.Deposit(t, matchID, m.PlayerB)
}

// Split is a plan that returns each stake to its player.
func Split(m *store.Match) []ledger.Transfer {
	return []ledger.Transfer{
		{Recipient: m.PlayerA, Lamports: m.StakeLamports},
		{Recipient: m.PlayerB, Lamports: m.StakeLamports},
	}
}

// WinnerTakesAll is a plan paying the whole pot to winner.
func WinnerTakesAll(m *store.Match, winner string) []ledger.Transfer {
	return []ledger.Transfer{{Recipient: winner, Lamports: 2 * m.StakeLamports}}
}

// Sign signs message as player and returns the base58 signature.
func (e *Env) Sign(t testing.TB, player string, message []byte) string {
	t.Helper()
	e.mu.Lock()
	key, ok := e.keys[player]
	e.mu.Unlock()
	require.True(t, ok, "unknown player %s", player)

	kp, err := signer.FromPrivateKey(key)
	require.NoError(t, err)
	sig, err := kp.Sign(message)
	require.NoError(t, err)
	return sig
}

func (e *Env) newPlayer() string {
	w := solana.NewWallet()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[w.PublicKey().String()] = w.PrivateKey
	return w.PublicKey().String()
}
