// Package matchstore is the repository for matches and their settlement
// proposals. Every state transition that other components race on is a
// conditional update; a lost race is reported as ErrConflict.
package matchstore

import (
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/guess5/escrow-settler/settlementClient/store"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = stderrors.New("conditional update lost")
	// ErrImmutable is returned when writing to a finished proposal.
	ErrImmutable = stderrors.New("proposal is immutable")
)

// Store provides database access for matches and proposals.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a new match store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "match_store").Logger(),
	}
}

// DB exposes the underlying handle for callers composing transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateMatch inserts a new match in PENDING state. Creating a match that
// already exists with the same players and stake returns the stored row.
func (s *Store) CreateMatch(m *store.Match) (*store.Match, error) {
	existing, err := s.GetMatch(m.MatchID)
	if err == nil {
		if existing.PlayerA != m.PlayerA || existing.PlayerB != m.PlayerB || existing.StakeLamports != m.StakeLamports {
			return nil, errors.Wrapf(ErrConflict, "match %s already exists with different terms", m.MatchID)
		}
		return existing, nil
	}
	if !stderrors.Is(err, ErrNotFound) {
		return nil, err
	}

	if m.State == "" {
		m.State = store.MatchStatePending
	}
	if err := s.db.Create(m).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create match %s", m.MatchID)
	}
	s.logger.Info().
		Str("match_id", m.MatchID).
		Uint64("stake_lamports", m.StakeLamports).
		Msg("stored new match")
	return m, nil
}

// GetMatch retrieves a match by id.
func (s *Store) GetMatch(matchID string) (*store.Match, error) {
	var m store.Match
	if err := s.db.Where("match_id = ?", matchID).First(&m).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "match %s", matchID)
		}
		return nil, errors.Wrapf(err, "failed to get match %s", matchID)
	}
	return &m, nil
}

// SetVaultCreateKey records the create key a vault will be derived from. It
// only succeeds while no vault address is set and the stored key is still
// oldKey.
func (s *Store) SetVaultCreateKey(matchID, oldKey, newKey string) error {
	result := s.db.Model(&store.Match{}).
		Where("match_id = ? AND vault_address = '' AND vault_create_key = ?", matchID, oldKey).
		Update("vault_create_key", newKey)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to set create key for match %s", matchID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrConflict, "create key for match %s", matchID)
	}
	return nil
}

// SetVaultAddress binds the vault to the match exactly once and advances a
// PENDING match to VAULT_CREATED.
func (s *Store) SetVaultAddress(matchID, createKey, vaultAddress, depositAddress string) error {
	result := s.db.Model(&store.Match{}).
		Where("match_id = ? AND vault_address = '' AND vault_create_key = ?", matchID, createKey).
		Updates(map[string]any{
			"vault_address":   vaultAddress,
			"deposit_address": depositAddress,
			"state":           gorm.Expr("CASE WHEN state = ? THEN ? ELSE state END", store.MatchStatePending, store.MatchStateVaultCreated),
		})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to set vault for match %s", matchID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrConflict, "vault address for match %s", matchID)
	}
	return nil
}

// ConfirmDeposit marks one player's stake as received. When both stakes are
// in, a VAULT_CREATED match moves to READY.
func (s *Store) ConfirmDeposit(matchID, player string) (*store.Match, error) {
	var out store.Match
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("match_id = ?", matchID).First(&out).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "match %s", matchID)
			}
			return err
		}

		updates := map[string]any{}
		switch player {
		case out.PlayerA:
			out.DepositAConfirmed = true
			updates["deposit_a_confirmed"] = true
		case out.PlayerB:
			out.DepositBConfirmed = true
			updates["deposit_b_confirmed"] = true
		default:
			return errors.Errorf("%s is not a player in match %s", player, matchID)
		}
		if out.DepositAConfirmed && out.DepositBConfirmed && out.State == store.MatchStateVaultCreated {
			out.State = store.MatchStateReady
			updates["state"] = store.MatchStateReady
		}
		return tx.Model(&store.Match{}).Where("match_id = ?", matchID).Updates(updates).Error
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to confirm deposit for match %s", matchID)
	}
	return &out, nil
}

// RecordOutcome stores the match result and moves the match to SETTLING. A
// repeated call with the same outcome is a no-op; a different outcome for a
// match already settling is a conflict.
func (s *Store) RecordOutcome(matchID, outcome string) (*store.Match, error) {
	result := s.db.Model(&store.Match{}).
		Where("match_id = ? AND outcome = '' AND state IN ?", matchID,
			[]string{store.MatchStatePending, store.MatchStateVaultCreated, store.MatchStateReady}).
		Updates(map[string]any{"outcome": outcome, "state": store.MatchStateSettling})
	if result.Error != nil {
		return nil, errors.Wrapf(result.Error, "failed to record outcome for match %s", matchID)
	}

	m, err := s.GetMatch(matchID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 && m.Outcome != outcome {
		return m, errors.Wrapf(ErrConflict, "match %s already has outcome %q in state %s", matchID, m.Outcome, m.State)
	}
	return m, nil
}

// SwapProposalRef points the match at a new proposal if it still references
// oldAddress.
func (s *Store) SwapProposalRef(matchID, oldAddress, newAddress string, newSeq uint64) error {
	return swapProposalRef(s.db, matchID, oldAddress, newAddress, newSeq)
}

func swapProposalRef(tx *gorm.DB, matchID, oldAddress, newAddress string, newSeq uint64) error {
	result := tx.Model(&store.Match{}).
		Where("match_id = ? AND proposal_address = ?", matchID, oldAddress).
		Updates(map[string]any{"proposal_address": newAddress, "proposal_sequence": newSeq})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update proposal reference for match %s", matchID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrConflict, "proposal reference for match %s", matchID)
	}
	return nil
}

// FinalizeMatch moves a SETTLING match to SETTLED or REFUNDED.
func (s *Store) FinalizeMatch(matchID, state string) error {
	result := s.db.Model(&store.Match{}).
		Where("match_id = ? AND state NOT IN ?", matchID, []string{store.MatchStateSettled, store.MatchStateRefunded}).
		Update("state", state)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to finalize match %s", matchID)
	}
	if result.RowsAffected == 0 {
		m, err := s.GetMatch(matchID)
		if err != nil {
			return err
		}
		if m.State == state {
			return nil
		}
		return errors.Wrapf(ErrConflict, "match %s already final as %s", matchID, m.State)
	}
	return nil
}

// ArchiveMatch soft-archives a match. Rows are never deleted.
func (s *Store) ArchiveMatch(matchID string, at time.Time) error {
	result := s.db.Model(&store.Match{}).
		Where("match_id = ? AND archived_at IS NULL", matchID).
		Update("archived_at", at)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to archive match %s", matchID)
	}
	return nil
}

// ListMatchesByState returns unarchived matches in any of the given states.
func (s *Store) ListMatchesByState(states ...string) ([]store.Match, error) {
	var out []store.Match
	if err := s.db.Where("state IN ? AND archived_at IS NULL", states).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list matches")
	}
	return out, nil
}

// ListMatchesWithVault returns unarchived matches that have a vault.
func (s *Store) ListMatchesWithVault() ([]store.Match, error) {
	var out []store.Match
	if err := s.db.Where("vault_address <> '' AND archived_at IS NULL").
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list matches with vaults")
	}
	return out, nil
}
