// Package ledger defines the boundary to the on-chain multisig program that
// holds match stakes. Addresses are base58 strings; errors are
// *errors.SettleError values classified as transient or fatal, plus the
// ErrAccountNotFound sentinel for accounts that do not exist (yet).
package ledger

import (
	"context"
	stderrors "errors"
	"reflect"

	"github.com/gagliardetto/solana-go"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

// ErrAccountNotFound is returned when the requested on-chain account does not exist.
var ErrAccountNotFound = stderrors.New("account not found")

// ProposalStatus is the status reported by the multisig program.
type ProposalStatus string

const (
	StatusDraft     ProposalStatus = "Draft"
	StatusActive    ProposalStatus = "Active"
	StatusRejected  ProposalStatus = "Rejected"
	StatusApproved  ProposalStatus = "Approved"
	StatusExecuting ProposalStatus = "Executing"
	StatusExecuted  ProposalStatus = "Executed"
	StatusCancelled ProposalStatus = "Cancelled"
)

// IsTerminal reports whether the on-chain status can no longer change.
func (s ProposalStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusCancelled
}

// LocalStatus maps an on-chain status onto the local proposal status.
func (s ProposalStatus) LocalStatus() string {
	switch s {
	case StatusApproved:
		return store.ProposalStatusApproved
	case StatusExecuting:
		return store.ProposalStatusExecuting
	case StatusExecuted:
		return store.ProposalStatusExecuted
	case StatusRejected:
		return store.ProposalStatusRejected
	case StatusCancelled:
		return store.ProposalStatusCancelled
	default:
		return store.ProposalStatusActive
	}
}

// Transfer is one planned lamport movement out of the vault.
type Transfer struct {
	Recipient string `json:"recipient"`
	Lamports  uint64 `json:"lamports"`
}

// TransfersEqual compares two transfer plans, order included.
func TransfersEqual(a, b []Transfer) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// TotalLamports sums a transfer plan, reporting false on overflow.
func TotalLamports(transfers []Transfer) (uint64, bool) {
	var total uint64
	for _, t := range transfers {
		next := total + t.Lamports
		if next < total {
			return 0, false
		}
		total = next
	}
	return total, true
}

// Vault is a multisig account and the PDA that holds its funds.
type Vault struct {
	Address          string   // multisig account
	DepositAddress   string   // vault PDA players deposit into
	CreateKey        string   // key the multisig address is derived from
	Members          []string // member public keys
	Threshold        int
	TransactionIndex uint64 // highest sequence number ever allocated
}

// Proposal is the on-chain view of a settlement proposal and its transaction.
type Proposal struct {
	Address   string
	Vault     string
	Sequence  uint64
	Status    ProposalStatus
	Approved  []string
	Rejected  []string
	Transfers []Transfer
	// Message is the canonical transaction message members sign.
	Message []byte
}

// Ledger is the on-chain multisig program as seen by the settlement engine.
type Ledger interface {
	// SystemKey is the platform member's public key.
	SystemKey() string
	DeriveVaultAddress(createKey string) (vault string, deposit string, err error)
	ProposalAddress(vault string, seq uint64) (string, error)

	CreateVault(ctx context.Context, createKey solana.PrivateKey, members []string, threshold int) (*Vault, error)
	GetVault(ctx context.Context, vault string) (*Vault, error)
	GetVaultBalance(ctx context.Context, vault string) (uint64, error)

	CreateProposal(ctx context.Context, vault string, seq uint64, transfers []Transfer) (*Proposal, error)
	GetProposal(ctx context.Context, vault string, seq uint64) (*Proposal, error)
	// ApproveProposal approves with the system member key and returns the tx id.
	ApproveProposal(ctx context.Context, vault string, seq uint64) (string, error)
	// ExecuteProposal executes an approved proposal. The tx id is returned
	// with the error when the transaction was signed but its submission
	// failed, since it may still land.
	ExecuteProposal(ctx context.Context, vault string, seq uint64) (string, error)
}

// IsNotFound reports whether err means the account does not exist.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrAccountNotFound)
}

// IsFatal reports whether err is a ledger rejection that retrying cannot fix.
func IsFatal(err error) bool {
	switch settleerrors.CodeOf(err) {
	case settleerrors.ErrCodeRejected, settleerrors.ErrCodeInvalidInstruction, settleerrors.ErrCodeValidation:
		return true
	}
	return false
}
