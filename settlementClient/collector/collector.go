// Package collector gathers the threshold approvals a settlement proposal
// needs: the platform's own approval and verified player signatures.
package collector

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/signer"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const defaultSyncWindow = 10

// Reconciler brings the local proposal of a match in line with the ledger,
// running the repair path when the local row is flagged.
type Reconciler interface {
	Reconcile(ctx context.Context, matchID string) (*store.Proposal, error)
}

// PlayerSignature is a player's signature over a proposal's transaction
// message, as submitted by the client.
type PlayerSignature struct {
	Signer          string // base58 public key
	Signature       string // base58 ed25519 signature
	ClaimedProposal string // proposal address the client says it signed; untrusted
}

// Config holds the collector's dependencies.
type Config struct {
	Store      *matchstore.Store
	Ledger     ledger.Ledger
	Recorder   *audit.Recorder
	Reconciler Reconciler
	Retry      *settleerrors.RetryPolicy
	Metrics    *metrics.Metrics // optional
	SyncWindow int
	Logger     zerolog.Logger
}

// Collector adds approvals to settlement proposals.
type Collector struct {
	store      *matchstore.Store
	ledger     ledger.Ledger
	recorder   *audit.Recorder
	reconciler Reconciler
	retry      *settleerrors.RetryPolicy
	metrics    *metrics.Metrics
	window     uint64
	logger     zerolog.Logger
}

// New creates a new collector.
func New(cfg Config) *Collector {
	window := cfg.SyncWindow
	if window <= 0 {
		window = defaultSyncWindow
	}
	retry := cfg.Retry
	if retry == nil {
		retry = settleerrors.DefaultRetryPolicy()
	}
	return &Collector{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		recorder:   cfg.Recorder,
		reconciler: cfg.Reconciler,
		retry:      retry,
		metrics:    cfg.Metrics,
		window:     uint64(window),
		logger:     cfg.Logger.With().Str("component", "signature_collector").Logger(),
	}
}

// AddSystemSignature approves the match's current proposal with the system
// member key. A proposal the system already approved counts as success.
func (c *Collector) AddSystemSignature(ctx context.Context, matchID string) (*store.Proposal, error) {
	const op = "add_system_signature"
	log := c.logger.With().Str("match_id", matchID).Logger()

	m, local, err := c.tracked(op, matchID)
	if err != nil {
		return nil, err
	}
	onchain, err := c.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence)
	if err != nil {
		return nil, err
	}

	system := c.ledger.SystemKey()
	if !contains(onchain.Approved, system) {
		if onchain.Status != ledger.StatusActive {
			return nil, settleerrors.NewSettleError(settleerrors.ErrCodeNotReady, op,
				fmt.Sprintf("proposal %s is %s", onchain.Address, onchain.Status), nil)
		}

		var txID string
		err := c.retry.Do(ctx, func() error {
			var err error
			txID, err = c.ledger.ApproveProposal(ctx, m.VaultAddress, m.ProposalSequence)
			if isAlreadyApproved(err) {
				return nil
			}
			return err
		})
		if err != nil {
			c.metrics.IncSignature("system", "failed")
			log.Warn().Err(err).Str("proposal", onchain.Address).Msg("system approval failed")
			return nil, err
		}

		if onchain, err = c.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence); err != nil {
			return nil, err
		}
		_ = c.recorder.Record(matchID, onchain.Address, audit.ActionSignatureAdded, map[string]any{
			"signer": system,
			"role":   "system",
			"tx_id":  txID,
		})
		c.recorder.Publish(audit.EventSignatureAdded, matchID, onchain.Address, map[string]any{
			"signer": system,
			"role":   "system",
		})
		c.metrics.IncSignature("system", "added")
		log.Info().Str("proposal", onchain.Address).Str("tx_id", txID).Msg("system signature added")
	}

	return c.refresh(local, onchain)
}

// RecordPlayerSignature verifies a player's signature against the canonical
// message of each proposal in the vault's recent window. The claimed proposal
// is not trusted. A signature for the tracked proposal triggers a reconcile;
// one for a different proposal, or for an approval the ledger does not show,
// flags the tracked proposal and runs the repair path.
func (c *Collector) RecordPlayerSignature(ctx context.Context, matchID string, sig PlayerSignature) (*store.Proposal, error) {
	const op = "record_player_signature"
	log := c.logger.With().Str("match_id", matchID).Str("signer", sig.Signer).Logger()

	m, local, err := c.tracked(op, matchID)
	if err != nil {
		return nil, err
	}
	if sig.Signer != m.PlayerA && sig.Signer != m.PlayerB {
		return nil, settleerrors.NewValidationError(op, fmt.Sprintf("%s is not a player in match %s", sig.Signer, matchID))
	}

	signed, tracked, err := c.findSigned(ctx, m, sig)
	if err != nil {
		return nil, err
	}
	if signed == nil {
		c.metrics.IncSignature("player", "invalid")
		log.Warn().Str("claimed", sig.ClaimedProposal).Msg("player signature verifies against no proposal")
		return nil, settleerrors.NewValidationError(op, "signature does not match any proposal of this match")
	}

	switch {
	case signed.Address == m.ProposalAddress && tracked != nil && contains(tracked.Approved, sig.Signer):
		_ = c.recorder.Record(matchID, signed.Address, audit.ActionSignatureAdded, map[string]any{
			"signer":  sig.Signer,
			"role":    "player",
			"claimed": sig.ClaimedProposal,
		})
		c.recorder.Publish(audit.EventSignatureAdded, matchID, signed.Address, map[string]any{
			"signer": sig.Signer,
			"role":   "player",
		})
		c.metrics.IncSignature("player", "added")
		return c.reconciler.Reconcile(ctx, matchID)

	default:
		reason := "signed a different proposal"
		if signed.Address == m.ProposalAddress {
			reason = "approval not present on-chain"
		}
		log.Warn().
			Str("tracked", m.ProposalAddress).
			Str("signed", signed.Address).
			Str("claimed", sig.ClaimedProposal).
			Str("reason", reason).
			Msg("player signature does not confirm tracked proposal")

		if err := c.store.TransitionProposal(local.Address,
			[]string{store.ProposalStatusActive, store.ProposalStatusApproved, store.ProposalStatusReadyToExecute},
			store.ProposalStatusSignatureVerificationFailed,
			map[string]any{"last_error": reason},
		); err != nil && !stderrors.Is(err, matchstore.ErrConflict) && !stderrors.Is(err, matchstore.ErrImmutable) {
			return nil, settleerrors.NewDatabaseError(op, "failed to flag proposal", err)
		}
		_ = c.recorder.Record(matchID, local.Address, audit.ActionSignatureMismatch, map[string]any{
			"signer":  sig.Signer,
			"signed":  signed.Address,
			"claimed": sig.ClaimedProposal,
			"reason":  reason,
		})
		c.metrics.IncSignature("player", "mismatch")
		return c.reconciler.Reconcile(ctx, matchID)
	}
}

// findSigned returns the proposal whose message the signature verifies
// against, and the on-chain view of the tracked proposal.
func (c *Collector) findSigned(ctx context.Context, m *store.Match, sig PlayerSignature) (*ledger.Proposal, *ledger.Proposal, error) {
	const op = "record_player_signature"

	vault, err := c.ledger.GetVault(ctx, m.VaultAddress)
	if err != nil {
		return nil, nil, err
	}

	seqs := []uint64{m.ProposalSequence}
	cursor := vault.TransactionIndex
	for seq := cursor; seq > 0 && cursor-seq < c.window; seq-- {
		if seq != m.ProposalSequence {
			seqs = append(seqs, seq)
		}
	}

	var signed, tracked *ledger.Proposal
	for _, seq := range seqs {
		p, err := c.ledger.GetProposal(ctx, m.VaultAddress, seq)
		if err != nil {
			if ledger.IsNotFound(err) {
				continue
			}
			return nil, nil, err
		}
		if seq == m.ProposalSequence {
			tracked = p
		}
		if signed != nil || len(p.Message) == 0 {
			continue
		}
		ok, err := signer.Verify(sig.Signer, p.Message, sig.Signature)
		if err != nil {
			return nil, nil, settleerrors.NewValidationError(op, err.Error())
		}
		if ok {
			signed = p
		}
	}
	return signed, tracked, nil
}

func (c *Collector) tracked(op, matchID string) (*store.Match, *store.Proposal, error) {
	m, err := c.store.GetMatch(matchID)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrNotFound) {
			return nil, nil, settleerrors.NewValidationError(op, fmt.Sprintf("unknown match %s", matchID))
		}
		return nil, nil, settleerrors.NewDatabaseError(op, "failed to load match", err)
	}
	if m.ProposalAddress == "" {
		return nil, nil, settleerrors.NewSettleError(settleerrors.ErrCodeNotReady, op,
			fmt.Sprintf("match %s has no proposal", matchID), nil)
	}
	p, err := c.store.GetProposal(m.ProposalAddress)
	if err != nil {
		return nil, nil, settleerrors.NewDatabaseError(op, "failed to load proposal", err)
	}
	return m, p, nil
}

// refresh copies the on-chain signer set onto the local row.
func (c *Collector) refresh(local *store.Proposal, onchain *ledger.Proposal) (*store.Proposal, error) {
	signers := store.JoinSigners(onchain.Approved)
	updates := map[string]any{
		"signers":          signers,
		"needs_signatures": store.NeedsSignatures(local.Threshold, len(onchain.Approved)),
	}
	if local.Status == store.ProposalStatusActive && onchain.Status == ledger.StatusApproved {
		updates["status"] = store.ProposalStatusApproved
	}
	if err := c.store.UpdateProposal(local.Address, updates); err != nil && !stderrors.Is(err, matchstore.ErrImmutable) {
		return nil, settleerrors.NewDatabaseError("refresh_signers", "failed to store signers", err)
	}
	return c.store.GetProposal(local.Address)
}

func isAlreadyApproved(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "alreadyapproved") || strings.Contains(msg, "already approved")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
