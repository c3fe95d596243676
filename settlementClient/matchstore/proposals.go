package matchstore

import (
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/guess5/escrow-settler/settlementClient/store"
)

var immutableStatuses = []string{
	store.ProposalStatusExecuted,
	store.ProposalStatusRejected,
	store.ProposalStatusCancelled,
}

// GetProposal retrieves a proposal by its on-chain address.
func (s *Store) GetProposal(address string) (*store.Proposal, error) {
	var p store.Proposal
	if err := s.db.Where("address = ?", address).First(&p).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "proposal %s", address)
		}
		return nil, errors.Wrapf(err, "failed to get proposal %s", address)
	}
	return &p, nil
}

// ProposalsForMatch returns all proposals ever tracked for a match, newest first.
func (s *Store) ProposalsForMatch(matchID string) ([]store.Proposal, error) {
	var out []store.Proposal
	if err := s.db.Where("match_id = ?", matchID).
		Order("sequence DESC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list proposals for match %s", matchID)
	}
	return out, nil
}

// MaxSequence returns the highest sequence number tracked locally for a vault.
func (s *Store) MaxSequence(vaultAddress string) (uint64, error) {
	var max sql.NullInt64
	row := s.db.Model(&store.Proposal{}).
		Where("vault_address = ?", vaultAddress).
		Select("MAX(sequence)").
		Row()
	if err := row.Scan(&max); err != nil {
		return 0, errors.Wrapf(err, "failed to read max sequence for vault %s", vaultAddress)
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// SaveProposal inserts p, or refreshes the stored row with the same address.
// Rows in an immutable status are left untouched and ErrImmutable is returned.
func (s *Store) SaveProposal(p *store.Proposal) (*store.Proposal, error) {
	var out *store.Proposal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = saveProposal(tx, p)
		return err
	})
	return out, err
}

func saveProposal(tx *gorm.DB, p *store.Proposal) (*store.Proposal, error) {
	var existing store.Proposal
	err := tx.Where("address = ?", p.Address).First(&existing).Error
	switch {
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		p.NeedsSignatures = store.NeedsSignatures(p.Threshold, len(p.SignerList()))
		if err := tx.Create(p).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to create proposal %s", p.Address)
		}
		return p, nil
	case err != nil:
		return nil, errors.Wrapf(err, "failed to get proposal %s", p.Address)
	}

	if store.IsImmutableStatus(existing.Status) {
		return &existing, errors.Wrapf(ErrImmutable, "proposal %s is %s", p.Address, existing.Status)
	}
	updates := map[string]any{
		"status":           p.Status,
		"signers":          p.Signers,
		"threshold":        p.Threshold,
		"needs_signatures": store.NeedsSignatures(p.Threshold, len(p.SignerList())),
	}
	if len(p.Transfers) > 0 {
		updates["transfers"] = p.Transfers
	}
	if p.Kind != "" {
		updates["kind"] = p.Kind
	}
	if err := tx.Model(&store.Proposal{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to update proposal %s", p.Address)
	}
	if err := tx.Where("id = ?", existing.ID).First(&existing).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to reload proposal %s", p.Address)
	}
	return &existing, nil
}

// UpdateProposal applies updates to a proposal that is not immutable.
func (s *Store) UpdateProposal(address string, updates map[string]any) error {
	result := s.db.Model(&store.Proposal{}).
		Where("address = ? AND status NOT IN ?", address, immutableStatuses).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update proposal %s", address)
	}
	if result.RowsAffected == 0 {
		return s.missOrImmutable(address)
	}
	return nil
}

// TransitionProposal moves a proposal to status `to` only if its current
// status is one of `from`.
func (s *Store) TransitionProposal(address string, from []string, to string, extra map[string]any) error {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	result := s.db.Model(&store.Proposal{}).
		Where("address = ? AND status IN ?", address, from).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to transition proposal %s", address)
	}
	if result.RowsAffected == 0 {
		err := s.missOrImmutable(address)
		if stderrors.Is(err, ErrNotFound) || stderrors.Is(err, ErrImmutable) {
			return err
		}
		return errors.Wrapf(ErrConflict, "proposal %s not in %v", address, from)
	}
	return nil
}

// RecordExecutionAttempt bumps the attempt counter and marks the proposal EXECUTING.
func (s *Store) RecordExecutionAttempt(address string, at time.Time) error {
	result := s.db.Model(&store.Proposal{}).
		Where("address = ? AND status NOT IN ?", address, immutableStatuses).
		Updates(map[string]any{
			"status":                    store.ProposalStatusExecuting,
			"execution_attempts":        gorm.Expr("execution_attempts + 1"),
			"last_execution_attempt_at": at,
		})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to record attempt for proposal %s", address)
	}
	if result.RowsAffected == 0 {
		return s.missOrImmutable(address)
	}
	return nil
}

// MarkExecuted finalizes a proposal. An existing ExecutedAt is preserved.
func (s *Store) MarkExecuted(address, txID string, at time.Time) error {
	p, err := s.GetProposal(address)
	if err != nil {
		return err
	}
	if p.Status == store.ProposalStatusExecuted {
		return nil
	}
	updates := map[string]any{
		"status":           store.ProposalStatusExecuted,
		"needs_signatures": 0,
		"last_error":       "",
	}
	if p.ExecutedAt == nil {
		updates["executed_at"] = at
	}
	if txID != "" && p.ExecutionTxID == "" {
		updates["execution_tx_id"] = txID
	}
	return s.UpdateProposal(address, updates)
}

// ListProposalsByStatus returns proposals in any of the given statuses.
func (s *Store) ListProposalsByStatus(statuses ...string) ([]store.Proposal, error) {
	var out []store.Proposal
	if err := s.db.Where("status IN ?", statuses).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list proposals")
	}
	return out, nil
}

// CountLiveProposals returns how many non-terminal proposals a match has.
func (s *Store) CountLiveProposals(matchID string) (int64, error) {
	var n int64
	if err := s.db.Model(&store.Proposal{}).
		Where("match_id = ? AND status NOT IN ?", matchID, []string{
			store.ProposalStatusExecuted, store.ProposalStatusRejected,
			store.ProposalStatusCancelled, store.ProposalStatusArchived,
		}).
		Count(&n).Error; err != nil {
		return 0, errors.Wrapf(err, "failed to count proposals for match %s", matchID)
	}
	return n, nil
}

// ResetExecutingToReady returns EXECUTING proposals to READY_TO_EXECUTE. It is
// called on startup, when no execution can be in flight.
func (s *Store) ResetExecutingToReady() (int64, error) {
	result := s.db.Model(&store.Proposal{}).
		Where("status = ?", store.ProposalStatusExecuting).
		Update("status", store.ProposalStatusReadyToExecute)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to reset EXECUTING proposals")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().
			Int64("reset_count", result.RowsAffected).
			Msg("reset EXECUTING proposals to READY_TO_EXECUTE on startup")
	}
	return result.RowsAffected, nil
}

// Repoint tracks newProposal for the match in one transaction: the previously
// referenced proposal is archived, newProposal is saved, and the match
// reference is swapped if it still points at oldAddress.
func (s *Store) Repoint(matchID, oldAddress string, newProposal *store.Proposal) (*store.Proposal, error) {
	var out *store.Proposal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if oldAddress != "" && oldAddress != newProposal.Address {
			if err := tx.Model(&store.Proposal{}).
				Where("address = ? AND status NOT IN ?", oldAddress, immutableStatuses).
				Update("status", store.ProposalStatusArchived).Error; err != nil {
				return errors.Wrapf(err, "failed to archive proposal %s", oldAddress)
			}
		}

		saved, err := saveProposal(tx, newProposal)
		if err != nil && !stderrors.Is(err, ErrImmutable) {
			return err
		}
		out = saved

		return swapProposalRef(tx, matchID, oldAddress, newProposal.Address, newProposal.Sequence)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) missOrImmutable(address string) error {
	p, err := s.GetProposal(address)
	if err != nil {
		return err
	}
	if store.IsImmutableStatus(p.Status) {
		return errors.Wrapf(ErrImmutable, "proposal %s is %s", address, p.Status)
	}
	return errors.Wrapf(ErrConflict, "proposal %s", address)
}
