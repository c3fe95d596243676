// Package audit keeps the append-only record of every settlement decision and
// publishes outbound events.
package audit

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/guess5/escrow-settler/settlementClient/store"
)

// Audit actions.
const (
	ActionDepositConfirmed   = "deposit.confirmed"
	ActionVaultCreated       = "vault.created"
	ActionVaultReused        = "vault.reused"
	ActionProposalCreated    = "proposal.created"
	ActionProposalReused     = "proposal.reused"
	ActionProposalRepointed  = "proposal.repointed"
	ActionProposalArchived   = "proposal.archived"
	ActionProposalReplaced   = "proposal.replaced"
	ActionProposalDrift      = "proposal.drift"
	ActionSignatureAdded     = "signature.added"
	ActionSignatureMismatch  = "signature.mismatch"
	ActionExecutionAttempted = "execution.attempted"
	ActionExecutionSucceeded = "execution.succeeded"
	ActionExecutionFailed    = "execution.failed"
	ActionExecutionExhausted = "execution.exhausted"
	ActionBalanceDiscrepancy = "balance.discrepancy"
	ActionBalanceVerified    = "balance.verified"
)

// Recorder appends audit entries and publishes events.
type Recorder struct {
	db     *gorm.DB
	bus    *Bus
	logger zerolog.Logger
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(db *gorm.DB, bus *Bus, logger zerolog.Logger) *Recorder {
	if bus == nil {
		bus = NewBus()
	}
	return &Recorder{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Bus returns the event bus.
func (r *Recorder) Bus() *Bus {
	return r.bus
}

// Record appends one entry. Failures are logged and returned; callers
// decide whether the surrounding step can proceed without it.
func (r *Recorder) Record(matchID, proposalAddress, action string, detail map[string]any) error {
	var data []byte
	if len(detail) > 0 {
		var err error
		if data, err = json.Marshal(detail); err != nil {
			return errors.Wrapf(err, "failed to encode audit detail for %s", action)
		}
	}

	entry := &store.AuditEntry{
		MatchID:         matchID,
		ProposalAddress: proposalAddress,
		Action:          action,
		Detail:          data,
	}
	if err := r.db.Create(entry).Error; err != nil {
		r.logger.Error().
			Err(err).
			Str("match_id", matchID).
			Str("action", action).
			Msg("failed to append audit entry")
		return errors.Wrapf(err, "failed to append audit entry %s", action)
	}
	return nil
}

// Publish sends an outbound event.
func (r *Recorder) Publish(eventType, matchID, proposalAddress string, data map[string]any) {
	r.bus.Publish(Event{
		Type:            eventType,
		MatchID:         matchID,
		ProposalAddress: proposalAddress,
		Data:            data,
	})
}

// Entries returns a match's audit trail, oldest first.
func (r *Recorder) Entries(matchID string) ([]store.AuditEntry, error) {
	var out []store.AuditEntry
	if err := r.db.Where("match_id = ?", matchID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load audit trail for %s", matchID)
	}
	return out, nil
}

// Has reports whether the match has at least one entry with action.
func (r *Recorder) Has(matchID, action string) (bool, error) {
	var n int64
	if err := r.db.Model(&store.AuditEntry{}).
		Where("match_id = ? AND action = ?", matchID, action).
		Count(&n).Error; err != nil {
		return false, errors.Wrapf(err, "failed to query audit trail for %s", matchID)
	}
	return n > 0, nil
}
