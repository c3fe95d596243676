// Package proposal creates settlement proposals, reusing any live proposal
// that already carries the intended plan so a match never accumulates
// competing proposals.
package proposal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const defaultSyncWindow = 10

// Config holds the factory's dependencies.
type Config struct {
	Store      *matchstore.Store
	Ledger     ledger.Ledger
	Recorder   *audit.Recorder
	Metrics    *metrics.Metrics // optional
	SyncWindow int              // how many recent sequence numbers to scan
	Logger     zerolog.Logger
}

// Factory produces at most one live proposal per match.
type Factory struct {
	store    *matchstore.Store
	ledger   ledger.Ledger
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	window   uint64
	logger   zerolog.Logger

	group singleflight.Group
}

// NewFactory creates a new proposal factory.
func NewFactory(cfg Config) *Factory {
	window := cfg.SyncWindow
	if window <= 0 {
		window = defaultSyncWindow
	}
	return &Factory{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		window:   uint64(window),
		logger:   cfg.Logger.With().Str("component", "proposal_factory").Logger(),
	}
}

// CreateOrReuse returns the match's live proposal for transfers, creating one
// only when neither the current reference nor the recent sequence window holds
// it. A live proposal with a different plan fails with ErrCodeProposalConflict.
// Concurrent calls for one match share a single decision.
func (f *Factory) CreateOrReuse(ctx context.Context, matchID, kind string, transfers []ledger.Transfer) (*store.Proposal, error) {
	v, err, shared := f.group.Do(matchID, func() (any, error) {
		return f.createOrReuse(ctx, matchID, kind, transfers)
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*store.Proposal)
	if shared {
		planned, err := DecodeTransfers(p.Transfers)
		if err != nil || !ledger.TransfersEqual(planned, transfers) {
			return nil, f.conflict(matchID, p.Address)
		}
	}
	return &p, nil
}

func (f *Factory) createOrReuse(ctx context.Context, matchID, kind string, transfers []ledger.Transfer) (*store.Proposal, error) {
	const op = "create_or_reuse"
	log := f.logger.With().Str("match_id", matchID).Logger()

	m, err := f.store.GetMatch(matchID)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrNotFound) {
			return nil, settleerrors.NewValidationError(op, fmt.Sprintf("unknown match %s", matchID))
		}
		return nil, settleerrors.NewDatabaseError(op, "failed to load match", err)
	}
	if m.VaultAddress == "" {
		return nil, settleerrors.NewSettleError(settleerrors.ErrCodeNotReady, op,
			fmt.Sprintf("match %s has no vault", matchID), nil)
	}
	deposited, err := Deposited(m)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransfers(transfers, deposited); err != nil {
		return nil, err
	}

	vault, err := f.ledger.GetVault(ctx, m.VaultAddress)
	if err != nil {
		return nil, err
	}

	// 1. The current reference, if it is still live.
	if m.ProposalAddress != "" {
		onchain, err := f.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence)
		switch {
		case err == nil:
			if !onchain.Status.IsTerminal() || onchain.Status == ledger.StatusExecuted {
				if !ledger.TransfersEqual(onchain.Transfers, transfers) {
					return nil, f.conflict(matchID, onchain.Address)
				}
				return f.reuseCurrent(m, vault, onchain, kind)
			}
			log.Info().
				Str("proposal", onchain.Address).
				Str("status", string(onchain.Status)).
				Msg("referenced proposal is closed, looking further")
		case ledger.IsNotFound(err):
			log.Warn().Str("proposal", m.ProposalAddress).Msg("referenced proposal not found on-chain")
		default:
			return nil, err
		}
	}

	// 2. A live proposal in the recent window.
	found, err := f.scanWindow(ctx, m, vault)
	if err != nil {
		return nil, err
	}
	if found != nil && found.Address != m.ProposalAddress {
		if !ledger.TransfersEqual(found.Transfers, transfers) {
			return nil, f.conflict(matchID, found.Address)
		}
		row, err := NewRow(m, vault.Threshold, found, kind)
		if err != nil {
			return nil, err
		}
		saved, err := f.store.Repoint(matchID, m.ProposalAddress, row)
		if err != nil {
			return nil, settleerrors.NewDatabaseError(op, "failed to re-point proposal", err)
		}
		_ = f.recorder.Record(matchID, found.Address, audit.ActionProposalRepointed, map[string]any{
			"from":     m.ProposalAddress,
			"to":       found.Address,
			"sequence": found.Sequence,
			"reason":   "live proposal with matching plan",
		})
		f.metrics.IncProposal(kind, "reused")
		log.Info().Str("proposal", found.Address).Uint64("sequence", found.Sequence).Msg("reusing proposal from window")
		return saved, nil
	}

	// 3. A new proposal past both cursors.
	localMax, err := f.store.MaxSequence(m.VaultAddress)
	if err != nil {
		return nil, settleerrors.NewDatabaseError(op, "failed to read local sequence", err)
	}
	seq := max(vault.TransactionIndex, localMax) + 1

	created, err := f.ledger.CreateProposal(ctx, m.VaultAddress, seq, transfers)
	if err != nil {
		f.metrics.IncProposal(kind, "failed")
		log.Warn().Err(err).Uint64("sequence", seq).Msg("proposal submission failed")
		return nil, err
	}
	if created.Transfers == nil {
		created.Transfers = transfers
	}
	row, err := NewRow(m, vault.Threshold, created, kind)
	if err != nil {
		return nil, err
	}
	saved, err := f.store.Repoint(matchID, m.ProposalAddress, row)
	if err != nil {
		return nil, settleerrors.NewDatabaseError(op, "failed to track new proposal", err)
	}

	_ = f.recorder.Record(matchID, created.Address, audit.ActionProposalCreated, map[string]any{
		"sequence":  seq,
		"kind":      kind,
		"transfers": transfers,
		"replaces":  m.ProposalAddress,
	})
	f.recorder.Publish(audit.EventProposalCreated, matchID, created.Address, map[string]any{
		"sequence": seq,
		"kind":     kind,
	})
	f.metrics.IncProposal(kind, "created")
	log.Info().Str("proposal", created.Address).Uint64("sequence", seq).Str("kind", kind).Msg("created settlement proposal")
	return saved, nil
}

// reuseCurrent returns the tracked row for the referenced proposal, storing
// it only if it was never tracked locally.
func (f *Factory) reuseCurrent(m *store.Match, vault *ledger.Vault, onchain *ledger.Proposal, kind string) (*store.Proposal, error) {
	existing, err := f.store.GetProposal(onchain.Address)
	if err == nil {
		f.metrics.IncProposal(existing.Kind, "reused")
		return existing, nil
	}
	if !stderrors.Is(err, matchstore.ErrNotFound) {
		return nil, settleerrors.NewDatabaseError("create_or_reuse", "failed to load proposal", err)
	}
	row, err := NewRow(m, vault.Threshold, onchain, kind)
	if err != nil {
		return nil, err
	}
	saved, err := f.store.SaveProposal(row)
	if err != nil && !stderrors.Is(err, matchstore.ErrImmutable) {
		return nil, settleerrors.NewDatabaseError("create_or_reuse", "failed to track proposal", err)
	}
	_ = f.recorder.Record(m.MatchID, onchain.Address, audit.ActionProposalReused, map[string]any{
		"sequence": onchain.Sequence,
	})
	f.metrics.IncProposal(kind, "reused")
	return saved, nil
}

// scanWindow returns the highest live proposal among the last window
// sequence numbers of the vault, or nil.
func (f *Factory) scanWindow(ctx context.Context, m *store.Match, vault *ledger.Vault) (*ledger.Proposal, error) {
	cursor := vault.TransactionIndex
	for seq := cursor; seq > 0 && cursor-seq < f.window; seq-- {
		p, err := f.ledger.GetProposal(ctx, m.VaultAddress, seq)
		if err != nil {
			if ledger.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !p.Status.IsTerminal() {
			return p, nil
		}
	}
	return nil, nil
}

// NewRow builds the local row tracking an on-chain proposal of m.
func NewRow(m *store.Match, threshold int, onchain *ledger.Proposal, kind string) (*store.Proposal, error) {
	planned, err := json.Marshal(onchain.Transfers)
	if err != nil {
		return nil, settleerrors.NewInternalError("track_proposal", "failed to encode transfers", err)
	}
	row := &store.Proposal{
		MatchID:      m.MatchID,
		VaultAddress: m.VaultAddress,
		Sequence:     onchain.Sequence,
		Address:      onchain.Address,
		Kind:         kind,
		Status:       onchain.Status.LocalStatus(),
		Threshold:    threshold,
		Transfers:    planned,
	}
	row.SetSigners(onchain.Approved)
	return row, nil
}

func (f *Factory) conflict(matchID, address string) error {
	f.logger.Error().
		Str("match_id", matchID).
		Str("proposal", address).
		Msg("live proposal carries a different plan")
	return settleerrors.NewSettleError(settleerrors.ErrCodeProposalConflict, "create_or_reuse",
		fmt.Sprintf("live proposal %s for match %s has a different plan", address, matchID), nil).
		WithContext("proposal", address)
}

// DecodeTransfers decodes the stored transfer plan of a proposal row.
func DecodeTransfers(raw []byte) ([]ledger.Transfer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []ledger.Transfer
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
