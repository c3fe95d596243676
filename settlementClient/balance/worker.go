// Package balance compares each vault's on-chain balance with what the
// match state says it should hold. It alerts; it never moves funds.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/store"
	"github.com/guess5/escrow-settler/settlementClient/utils"
)

// Config holds the worker's dependencies.
type Config struct {
	Store     *matchstore.Store
	Ledger    ledger.Ledger
	Recorder  *audit.Recorder
	Metrics   *metrics.Metrics // optional
	Tolerance uint64           // lamports; covers rent-exempt reserve
	Logger    zerolog.Logger
}

// Check is the result of comparing one vault.
type Check struct {
	MatchID     string
	Vault       string
	State       string
	Balance     uint64
	ExpectedMin uint64
	ExpectedMax uint64
	Discrepancy bool
}

// Worker runs balance checks.
type Worker struct {
	store     *matchstore.Store
	ledger    ledger.Ledger
	recorder  *audit.Recorder
	metrics   *metrics.Metrics
	tolerance uint64
	logger    zerolog.Logger

	mu        sync.Mutex
	lastAlert map[string]uint64 // match id -> balance last alerted on
}

// NewWorker creates a new balance worker.
func NewWorker(cfg Config) *Worker {
	return &Worker{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		tolerance: cfg.Tolerance,
		logger:    cfg.Logger.With().Str("component", "balance_worker").Logger(),
		lastAlert: map[string]uint64{},
	}
}

// ExpectedRange returns the lamports a match's vault may legitimately hold.
// Before settlement unconfirmed deposits may already have landed, so the
// range spans confirmed to confirmed plus pending stakes.
func ExpectedRange(m *store.Match) (uint64, uint64) {
	switch {
	case m.IsFinal():
		return 0, 0
	case m.State == store.MatchStateSettling:
		v := uint64(m.ConfirmedDeposits()) * m.StakeLamports
		return v, v
	default:
		return uint64(m.ConfirmedDeposits()) * m.StakeLamports, 2 * m.StakeLamports
	}
}

// RunOnce checks every unarchived match with a vault. Settled matches that
// verify clean are archived and not checked again.
func (w *Worker) RunOnce(ctx context.Context) ([]Check, error) {
	matches, err := w.store.ListMatchesWithVault()
	if err != nil {
		return nil, settleerrors.NewDatabaseError("balance_run", "failed to list matches", err)
	}

	checks := make([]Check, 0, len(matches))
	for i := range matches {
		if err := ctx.Err(); err != nil {
			return checks, err
		}
		c, err := w.CheckMatch(ctx, &matches[i])
		if err != nil {
			w.logger.Warn().Err(err).Str("match_id", matches[i].MatchID).Msg("balance check failed")
			continue
		}
		checks = append(checks, *c)
	}
	return checks, nil
}

// CheckMatch compares one vault against its expected range.
func (w *Worker) CheckMatch(ctx context.Context, m *store.Match) (*Check, error) {
	bal, err := w.ledger.GetVaultBalance(ctx, m.VaultAddress)
	if err != nil {
		return nil, err
	}
	lo, hi := ExpectedRange(m)
	c := &Check{
		MatchID:     m.MatchID,
		Vault:       m.VaultAddress,
		State:       m.State,
		Balance:     bal,
		ExpectedMin: lo,
		ExpectedMax: hi,
		Discrepancy: outside(bal, lo, hi, w.tolerance),
	}

	if c.Discrepancy {
		w.alert(c)
		return c, nil
	}
	w.clearAlert(m.MatchID)

	if m.IsFinal() {
		if err := w.verified(m, c); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (w *Worker) alert(c *Check) {
	w.logger.Error().
		Str("severity", string(settleerrors.SeverityHigh)).
		Str("match_id", c.MatchID).
		Str("vault", c.Vault).
		Str("state", c.State).
		Str("balance", utils.FormatSOL(c.Balance)).
		Str("expected_min", utils.FormatSOL(c.ExpectedMin)).
		Str("expected_max", utils.FormatSOL(c.ExpectedMax)).
		Msg("vault balance outside expected range")
	w.metrics.IncDiscrepancy()

	w.mu.Lock()
	last, seen := w.lastAlert[c.MatchID]
	w.lastAlert[c.MatchID] = c.Balance
	w.mu.Unlock()
	if seen && last == c.Balance {
		return
	}

	detail := map[string]any{
		"vault":        c.Vault,
		"state":        c.State,
		"balance":      c.Balance,
		"expected_min": c.ExpectedMin,
		"expected_max": c.ExpectedMax,
		"tolerance":    w.tolerance,
	}
	_ = w.recorder.Record(c.MatchID, "", audit.ActionBalanceDiscrepancy, detail)
	w.recorder.Publish(audit.EventBalanceDiscrepancy, c.MatchID, "", detail)
}

func (w *Worker) clearAlert(matchID string) {
	w.mu.Lock()
	delete(w.lastAlert, matchID)
	w.mu.Unlock()
}

// verified records the clean final balance once and archives the match.
func (w *Worker) verified(m *store.Match, c *Check) error {
	done, err := w.recorder.Has(m.MatchID, audit.ActionBalanceVerified)
	if err != nil {
		return err
	}
	if !done {
		if err := w.recorder.Record(m.MatchID, "", audit.ActionBalanceVerified, map[string]any{
			"vault":   c.Vault,
			"balance": c.Balance,
			"state":   c.State,
		}); err != nil {
			return err
		}
		w.logger.Info().
			Str("match_id", m.MatchID).
			Str("residual", utils.FormatSOL(c.Balance)).
			Msg("settled vault verified empty")
	}
	return w.store.ArchiveMatch(m.MatchID, time.Now().UTC())
}

func outside(balance, lo, hi, tolerance uint64) bool {
	if lo > tolerance && balance < lo-tolerance {
		return true
	}
	return balance > hi && balance-hi > tolerance
}
