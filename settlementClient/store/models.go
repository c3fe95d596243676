// Package store contains GORM-backed SQLite models used by the settlement daemon.
//
// Database Structure (database file: settler.db):
//
//	data/
//	└── settler.db
//	    ├── matches
//	    ├── proposals
//	    └── audit_entries
package store

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Match states.
const (
	MatchStatePending      = "PENDING"
	MatchStateVaultCreated = "VAULT_CREATED"
	MatchStateReady        = "READY"
	MatchStateSettling     = "SETTLING"
	MatchStateSettled      = "SETTLED"
	MatchStateRefunded     = "REFUNDED"
)

// Proposal statuses.
const (
	ProposalStatusActive                      = "ACTIVE"
	ProposalStatusApproved                    = "APPROVED"
	ProposalStatusReadyToExecute              = "READY_TO_EXECUTE"
	ProposalStatusExecuting                   = "EXECUTING"
	ProposalStatusExecuted                    = "EXECUTED"
	ProposalStatusRejected                    = "REJECTED"
	ProposalStatusCancelled                   = "CANCELLED"
	ProposalStatusArchived                    = "ARCHIVED"
	ProposalStatusSignatureVerificationFailed = "SIGNATURE_VERIFICATION_FAILED"
)

// Proposal kinds.
const (
	ProposalKindPayout = "PAYOUT"
	ProposalKindRefund = "REFUND"
)

// Match outcomes.
const (
	OutcomeWinA             = "WIN_A"
	OutcomeWinB             = "WIN_B"
	OutcomeTieFullRefund    = "TIE_FULL_REFUND"
	OutcomeTiePartialRefund = "TIE_PARTIAL_REFUND"
	OutcomeNoPlay           = "NO_PLAY"
)

// ErrAuditImmutable is returned by the audit hooks on any update or delete.
var ErrAuditImmutable = errors.New("audit entries are append-only")

// Match is the local cache row for one wagered match.
type Match struct {
	gorm.Model
	MatchID           string `gorm:"uniqueIndex;not null"`
	PlayerA           string `gorm:"not null"` // base58 public key
	PlayerB           string `gorm:"not null"` // base58 public key
	StakeLamports     uint64 `gorm:"not null"` // per player
	VaultCreateKey    string // public key the multisig address derives from
	VaultAddress      string `gorm:"index"` // multisig account; set once
	DepositAddress    string // vault PDA holding the stakes
	State             string `gorm:"index;not null"`
	DepositAConfirmed bool
	DepositBConfirmed bool
	ProposalAddress   string
	ProposalSequence  uint64
	Outcome           string
	ArchivedAt        *time.Time
}

// ConfirmedDeposits returns how many of the two stakes are confirmed.
func (m *Match) ConfirmedDeposits() int {
	n := 0
	if m.DepositAConfirmed {
		n++
	}
	if m.DepositBConfirmed {
		n++
	}
	return n
}

// IsFinal reports whether funds for the match have been released.
func (m *Match) IsFinal() bool {
	return m.State == MatchStateSettled || m.State == MatchStateRefunded
}

// Proposal mirrors a settlement proposal on the multisig program.
type Proposal struct {
	gorm.Model
	MatchID                string `gorm:"index;not null"`
	VaultAddress           string `gorm:"uniqueIndex:idx_vault_sequence;not null"`
	Sequence               uint64 `gorm:"uniqueIndex:idx_vault_sequence;not null"`
	Address                string `gorm:"uniqueIndex;not null"`
	Kind                   string `gorm:"not null"` // "PAYOUT" or "REFUND"
	Status                 string `gorm:"index;not null"`
	Signers                string // sorted, comma separated
	Threshold              int
	NeedsSignatures        int
	Transfers              []byte // JSON-encoded planned transfers
	ExecutionAttempts      int
	LastExecutionAttemptAt *time.Time
	ExecutedAt             *time.Time
	ExecutionTxID          string
	LastError              string `gorm:"type:text"`
}

// SignerList returns the signer set as a slice.
func (p *Proposal) SignerList() []string {
	if p.Signers == "" {
		return nil
	}
	return strings.Split(p.Signers, ",")
}

// HasSigner reports whether key is in the signer set.
func (p *Proposal) HasSigner(key string) bool {
	for _, s := range p.SignerList() {
		if s == key {
			return true
		}
	}
	return false
}

// SetSigners replaces the signer set and recomputes NeedsSignatures.
func (p *Proposal) SetSigners(signers []string) {
	p.Signers = JoinSigners(signers)
	p.NeedsSignatures = NeedsSignatures(p.Threshold, len(p.SignerList()))
}

// IsTerminal reports whether the proposal can no longer change.
func (p *Proposal) IsTerminal() bool {
	return IsTerminalStatus(p.Status)
}

// IsTerminalStatus reports whether status is a terminal proposal status.
func IsTerminalStatus(status string) bool {
	switch status {
	case ProposalStatusExecuted, ProposalStatusRejected, ProposalStatusCancelled, ProposalStatusArchived:
		return true
	}
	return false
}

// IsImmutableStatus reports whether a row in status may no longer be written.
// Archived rows stay writable so a re-pointed proposal can be revived.
func IsImmutableStatus(status string) bool {
	switch status {
	case ProposalStatusExecuted, ProposalStatusRejected, ProposalStatusCancelled:
		return true
	}
	return false
}

// NeedsSignatures is max(0, threshold - signers).
func NeedsSignatures(threshold, signers int) int {
	if n := threshold - signers; n > 0 {
		return n
	}
	return 0
}

// JoinSigners dedupes and sorts signers into their stored form.
func JoinSigners(signers []string) string {
	seen := make(map[string]struct{}, len(signers))
	out := make([]string, 0, len(signers))
	for _, s := range signers {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// AuditEntry is one append-only record of a settlement decision.
type AuditEntry struct {
	ID              string `gorm:"primaryKey;size:36"`
	MatchID         string `gorm:"index"`
	ProposalAddress string
	Action          string `gorm:"index;not null"`
	Detail          []byte // JSON
	CreatedAt       time.Time
}

// BeforeCreate assigns the entry id.
func (e *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (e *AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

func (e *AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}
