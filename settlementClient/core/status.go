package core

import (
	"context"
	"time"

	"github.com/guess5/escrow-settler/settlementClient/store"
)

// User-facing settlement states. Nothing between pending and a final state
// is reported other than processing.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSettled    = "settled"
	StatusRefunded   = "refunded"
)

// SettlementStatus is the user-facing view of a match's settlement.
type SettlementStatus struct {
	MatchID         string     `json:"match_id"`
	Status          string     `json:"status"`
	MatchState      string     `json:"match_state"`
	Outcome         string     `json:"outcome,omitempty"`
	VaultAddress    string     `json:"vault_address,omitempty"`
	DepositAddress  string     `json:"deposit_address,omitempty"`
	ProposalAddress string     `json:"proposal_address,omitempty"`
	ProposalStatus  string     `json:"proposal_status,omitempty"`
	NeedsSignatures int        `json:"needs_signatures"`
	Signers         []string   `json:"signers,omitempty"`
	ExecutionTxID   string     `json:"execution_tx_id,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
}

// SettlementStatus reports where a match's settlement stands. A settling
// match is reconciled against the ledger first; a failure to do so is logged
// and the last known state is reported.
func (s *Settler) SettlementStatus(ctx context.Context, matchID string) (*SettlementStatus, error) {
	const op = "settlement_status"
	m, err := s.match(op, matchID)
	if err != nil {
		return nil, err
	}
	if m.State == store.MatchStateSettling && m.ProposalAddress != "" {
		if _, err := s.syncer.Reconcile(ctx, matchID); err != nil {
			s.logger.Debug().Err(err).Str("match_id", matchID).Msg("request-time reconcile failed")
		}
		if m, err = s.match(op, matchID); err != nil {
			return nil, err
		}
	}

	out := &SettlementStatus{
		MatchID:        m.MatchID,
		MatchState:     m.State,
		Outcome:        m.Outcome,
		VaultAddress:   m.VaultAddress,
		DepositAddress: m.DepositAddress,
	}
	p, err := s.currentProposal(m)
	if err != nil {
		return nil, err
	}
	if p != nil {
		out.ProposalAddress = p.Address
		out.ProposalStatus = p.Status
		out.NeedsSignatures = p.NeedsSignatures
		out.Signers = p.SignerList()
		out.ExecutionTxID = p.ExecutionTxID
		out.ExecutedAt = p.ExecutedAt
	}
	out.Status = userStatus(m, p)
	return out, nil
}

func userStatus(m *store.Match, p *store.Proposal) string {
	executed := p == nil || p.Status == store.ProposalStatusExecuted
	switch {
	case m.State == store.MatchStateSettled && executed:
		return StatusSettled
	case m.State == store.MatchStateRefunded && executed:
		return StatusRefunded
	case m.State == store.MatchStateSettling || m.IsFinal():
		return StatusProcessing
	default:
		return StatusPending
	}
}
