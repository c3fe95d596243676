package api

import (
	"context"

	"github.com/guess5/escrow-settler/settlementClient/core"
	"github.com/guess5/escrow-settler/settlementClient/store"
	"github.com/guess5/escrow-settler/settlementClient/supervisor"
)

// SettlerInterface defines the methods needed by the API server
type SettlerInterface interface {
	Ping(ctx context.Context) error
	Status() supervisor.Snapshot
	SettlementStatus(ctx context.Context, matchID string) (*core.SettlementStatus, error)
	AuditTrail(matchID string) ([]store.AuditEntry, error)
	ProposalHistory(matchID string) ([]store.Proposal, error)
}
