// Package syncer reconciles the local proposal cache against the ledger and
// repairs stale proposal references.
package syncer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/proposal"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const (
	defaultSyncWindow    = 10
	defaultMaxConcurrent = 4
)

// Handoff receives matches whose proposal is approved and not yet executed.
type Handoff interface {
	Execute(ctx context.Context, matchID string) error
}

// Config holds the syncer's dependencies.
type Config struct {
	Store         *matchstore.Store
	Ledger        ledger.Ledger
	Recorder      *audit.Recorder
	Handoff       Handoff          // optional; nil leaves approved proposals for the caller
	Metrics       *metrics.Metrics // optional
	SyncWindow    int
	MaxConcurrent int
	Logger        zerolog.Logger
}

// Syncer reconciles matches one at a time or as a bounded-concurrency pass.
type Syncer struct {
	store         *matchstore.Store
	ledger        ledger.Ledger
	recorder      *audit.Recorder
	handoff       Handoff
	metrics       *metrics.Metrics
	window        uint64
	maxConcurrent int
	logger        zerolog.Logger
}

// Summary reports one SyncAll pass.
type Summary struct {
	Checked int
	Failed  int
}

// New creates a new syncer.
func New(cfg Config) *Syncer {
	window := cfg.SyncWindow
	if window <= 0 {
		window = defaultSyncWindow
	}
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	return &Syncer{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		recorder:      cfg.Recorder,
		handoff:       cfg.Handoff,
		metrics:       cfg.Metrics,
		window:        uint64(window),
		maxConcurrent: limit,
		logger:        cfg.Logger.With().Str("component", "syncer").Logger(),
	}
}

// SetHandoff sets the receiver of approved proposals. It must be called
// before the syncer is used concurrently.
func (s *Syncer) SetHandoff(h Handoff) {
	s.handoff = h
}

// SyncAll reconciles every settling match. Failures of single matches are
// logged and counted; they do not stop the pass.
func (s *Syncer) SyncAll(ctx context.Context) (Summary, error) {
	matches, err := s.store.ListMatchesByState(store.MatchStateSettling)
	if err != nil {
		return Summary{}, settleerrors.NewDatabaseError("sync_all", "failed to list settling matches", err)
	}

	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for _, m := range matches {
		matchID := m.MatchID
		g.Go(func() error {
			if _, err := s.Reconcile(ctx, matchID); err != nil {
				failed.Add(1)
				s.logger.Warn().Err(err).Str("match_id", matchID).Msg("reconcile failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Checked: len(matches), Failed: int(failed.Load())}
	if summary.Checked > 0 {
		s.logger.Debug().Int("checked", summary.Checked).Int("failed", summary.Failed).Msg("sync pass complete")
	}
	return summary, nil
}

// Reconcile brings the match's tracked proposal in line with the ledger. When
// the tracked proposal is flagged, missing on-chain, or not yet approved while
// a fully approved proposal exists in the recent window, the reference is
// repaired. An approved, unexecuted proposal is handed off for execution.
func (s *Syncer) Reconcile(ctx context.Context, matchID string) (*store.Proposal, error) {
	p, err := s.reconcile(ctx, matchID)
	if err != nil {
		s.metrics.IncSync("error")
		return p, err
	}
	s.metrics.IncSync("ok")
	return p, nil
}

func (s *Syncer) reconcile(ctx context.Context, matchID string) (*store.Proposal, error) {
	const op = "reconcile"
	log := s.logger.With().Str("match_id", matchID).Logger()

	m, err := s.store.GetMatch(matchID)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrNotFound) {
			return nil, settleerrors.NewValidationError(op, fmt.Sprintf("unknown match %s", matchID))
		}
		return nil, settleerrors.NewDatabaseError(op, "failed to load match", err)
	}
	if m.VaultAddress == "" || m.ProposalAddress == "" {
		return nil, nil
	}

	local, err := s.store.GetProposal(m.ProposalAddress)
	if err != nil && !stderrors.Is(err, matchstore.ErrNotFound) {
		return nil, settleerrors.NewDatabaseError(op, "failed to load proposal", err)
	}
	if local != nil && local.Status == store.ProposalStatusExecuted && m.IsFinal() {
		return local, nil
	}

	onchain, err := s.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence)
	missing := ledger.IsNotFound(err)
	if err != nil && !missing {
		return local, err
	}

	flagged := local != nil && local.Status == store.ProposalStatusSignatureVerificationFailed
	if missing || flagged || !settled(onchain) {
		reason := "tracked proposal not yet approved"
		switch {
		case missing:
			reason = "tracked proposal not found on-chain"
		case flagged:
			reason = "signature verification failed"
		}
		repaired, handled, err := s.repair(ctx, m, local, reason)
		if err != nil || handled {
			return repaired, err
		}
		if missing {
			log.Warn().Str("proposal", m.ProposalAddress).Msg("tracked proposal missing and no approved replacement; leaving state unchanged")
			return local, nil
		}
		if flagged && onchain.Status == ledger.StatusActive {
			log.Warn().Str("proposal", m.ProposalAddress).Msg("flagged proposal has no approved replacement; leaving state unchanged")
			return local, nil
		}
	}

	updated, err := s.apply(ctx, m, local, onchain)
	if err != nil {
		return local, err
	}
	return s.maybeHandoff(ctx, m, updated, onchain.Status == ledger.StatusExecuted)
}

// repair re-points the match at the highest-sequence proposal in the window
// that is executed or approved with enough signers. handled is false when no
// such proposal exists or it is the tracked one.
func (s *Syncer) repair(ctx context.Context, m *store.Match, local *store.Proposal, reason string) (*store.Proposal, bool, error) {
	log := s.logger.With().Str("match_id", m.MatchID).Logger()

	vault, err := s.ledger.GetVault(ctx, m.VaultAddress)
	if err != nil {
		return local, false, err
	}

	var best *ledger.Proposal
	cursor := vault.TransactionIndex
	for seq := cursor; seq > 0 && cursor-seq < s.window; seq-- {
		p, err := s.ledger.GetProposal(ctx, m.VaultAddress, seq)
		if err != nil {
			if ledger.IsNotFound(err) {
				continue
			}
			return local, false, err
		}
		if p.Status == ledger.StatusExecuted ||
			(p.Status == ledger.StatusApproved && len(p.Approved) >= vault.Threshold) {
			best = p
			break
		}
	}
	if best == nil || best.Address == m.ProposalAddress {
		return local, false, nil
	}

	kind := store.ProposalKindPayout
	if known, err := s.store.GetProposal(best.Address); err == nil && known.Kind != "" {
		kind = known.Kind
	} else if local != nil && local.Kind != "" {
		kind = local.Kind
	}
	row, err := proposal.NewRow(m, vault.Threshold, best, kind)
	if err != nil {
		return local, false, err
	}
	saved, err := s.store.Repoint(m.MatchID, m.ProposalAddress, row)
	if err != nil {
		return local, false, settleerrors.NewDatabaseError("repair", "failed to re-point proposal", err)
	}

	_ = s.recorder.Record(m.MatchID, best.Address, audit.ActionProposalRepointed, map[string]any{
		"from":          m.ProposalAddress,
		"from_sequence": m.ProposalSequence,
		"to":            best.Address,
		"to_sequence":   best.Sequence,
		"reason":        reason,
	})
	if m.ProposalAddress != "" {
		_ = s.recorder.Record(m.MatchID, m.ProposalAddress, audit.ActionProposalArchived, map[string]any{
			"replaced_by": best.Address,
		})
	}
	s.metrics.IncRepair()
	log.Info().
		Str("from", m.ProposalAddress).
		Str("to", best.Address).
		Uint64("sequence", best.Sequence).
		Str("reason", reason).
		Msg("re-pointed match to approved proposal")

	m.ProposalAddress, m.ProposalSequence = best.Address, best.Sequence
	out, err := s.maybeHandoff(ctx, m, saved, best.Status == ledger.StatusExecuted)
	return out, true, err
}

// apply overwrites the local row with the on-chain view and audits any delta.
func (s *Syncer) apply(ctx context.Context, m *store.Match, local *store.Proposal, onchain *ledger.Proposal) (*store.Proposal, error) {
	if local == nil {
		vault, err := s.ledger.GetVault(ctx, m.VaultAddress)
		if err != nil {
			return nil, err
		}
		row, err := proposal.NewRow(m, vault.Threshold, onchain, store.ProposalKindPayout)
		if err != nil {
			return nil, err
		}
		saved, err := s.store.SaveProposal(row)
		if err != nil && !stderrors.Is(err, matchstore.ErrImmutable) {
			return nil, settleerrors.NewDatabaseError("reconcile", "failed to track proposal", err)
		}
		return saved, nil
	}

	status := onchain.Status.LocalStatus()
	switch {
	case status == store.ProposalStatusApproved &&
		(local.Status == store.ProposalStatusReadyToExecute || local.Status == store.ProposalStatusExecuting):
		status = local.Status
	case status == store.ProposalStatusExecuted:
		// finalized by the execution engine
		status = local.Status
	}
	signers := store.JoinSigners(onchain.Approved)
	if status == local.Status && signers == local.Signers {
		return local, nil
	}

	updates := map[string]any{
		"status":           status,
		"signers":          signers,
		"needs_signatures": store.NeedsSignatures(local.Threshold, len(onchain.Approved)),
	}
	if err := s.store.UpdateProposal(local.Address, updates); err != nil {
		if stderrors.Is(err, matchstore.ErrImmutable) {
			return local, nil
		}
		return local, settleerrors.NewDatabaseError("reconcile", "failed to update proposal", err)
	}
	_ = s.recorder.Record(m.MatchID, local.Address, audit.ActionProposalDrift, map[string]any{
		"status_before":  local.Status,
		"status_after":   status,
		"signers_before": local.Signers,
		"signers_after":  signers,
	})
	s.logger.Info().
		Str("match_id", m.MatchID).
		Str("proposal", local.Address).
		Str("status_before", local.Status).
		Str("status_after", status).
		Msg("local proposal updated from ledger")

	return s.store.GetProposal(local.Address)
}

// maybeHandoff passes an approved or already executed proposal to the
// execution engine. Proposals in EXECUTING are left to the attempt in flight.
func (s *Syncer) maybeHandoff(ctx context.Context, m *store.Match, p *store.Proposal, executedOnchain bool) (*store.Proposal, error) {
	if s.handoff == nil || p == nil {
		return p, nil
	}
	eligible := p.Status == store.ProposalStatusApproved || p.Status == store.ProposalStatusReadyToExecute
	if !eligible && !executedOnchain {
		return p, nil
	}
	if err := s.handoff.Execute(ctx, m.MatchID); err != nil {
		return p, err
	}
	out, err := s.store.GetProposal(p.Address)
	if err != nil {
		return p, nil
	}
	return out, nil
}

// settled reports whether the on-chain proposal no longer needs a better
// candidate: it is approved, executing or executed.
func settled(p *ledger.Proposal) bool {
	if p == nil {
		return false
	}
	switch p.Status {
	case ledger.StatusApproved, ledger.StatusExecuting, ledger.StatusExecuted:
		return true
	}
	return false
}
