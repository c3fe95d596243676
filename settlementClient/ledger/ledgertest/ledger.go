// Package ledgertest provides an in-memory ledger.Ledger for tests. It keeps
// the multisig program's observable rules: sequence numbers are allocated in
// order, approvals past the threshold mark a proposal Approved, and execution
// moves the vault's lamports exactly once.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/ledger/squads"
)

// Operation names used for call counting and failure injection.
const (
	OpCreateVault     = "create_vault"
	OpGetVault        = "get_vault"
	OpGetVaultBalance = "get_vault_balance"
	OpCreateProposal  = "create_proposal"
	OpGetProposal     = "get_proposal"
	OpApprove         = "approve_proposal"
	OpExecute         = "execute_proposal"
)

type vaultState struct {
	vault     ledger.Vault
	balance   uint64
	proposals map[uint64]*ledger.Proposal
}

// Ledger is a thread-safe in-memory multisig program.
type Ledger struct {
	mu        sync.Mutex
	systemKey solana.PrivateKey
	vaults    map[string]*vaultState
	balances  map[string]uint64 // recipient balances
	failures  map[string][]error
	calls     map[string]int
	txCounter int

	// ExecuteLandsOnError makes ExecuteProposal apply the transfers even when
	// an injected failure is returned, like a submission that timed out after
	// it landed.
	ExecuteLandsOnError bool
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an empty ledger with a random system key.
func New() *Ledger {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return &Ledger{
		systemKey: key,
		vaults:    map[string]*vaultState{},
		balances:  map[string]uint64{},
		failures:  map[string][]error{},
		calls:     map[string]int{},
	}
}

// SystemPrivateKey exposes the system member key.
func (l *Ledger) SystemPrivateKey() solana.PrivateKey {
	return l.systemKey
}

func (l *Ledger) SystemKey() string {
	return l.systemKey.PublicKey().String()
}

// FailNext queues errors that the next calls of op return, in order.
func (l *Ledger) FailNext(op string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Fund adds lamports to a vault, as a player deposit would.
func (l *Ledger) Fund(vault string, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.vaults[vault]; ok {
		v.balance += lamports
	}
}

// SetBalance overrides the vault balance.
func (l *Ledger) SetBalance(vault string, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.vaults[vault]; ok {
		v.balance = lamports
	}
}

// BalanceOf returns lamports received by a recipient.
func (l *Ledger) BalanceOf(recipient string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[recipient]
}

// ApproveAs records an approval from member, as a player wallet would.
func (l *Ledger) ApproveAs(vault string, seq uint64, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.approveLocked(OpApprove, vault, seq, member)
}

// Mutate edits a stored proposal in place, for simulating external changes.
func (l *Ledger) Mutate(vault string, seq uint64, fn func(p *ledger.Proposal)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.vaults[vault]; ok {
		if p, ok := v.proposals[seq]; ok {
			fn(p)
		}
	}
}

// PutVault registers a vault directly, bypassing CreateVault.
func (l *Ledger) PutVault(v ledger.Vault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vaults[v.Address] = &vaultState{vault: v, proposals: map[uint64]*ledger.Proposal{}}
}

func (l *Ledger) DeriveVaultAddress(createKey string) (string, string, error) {
	key, err := solana.PublicKeyFromBase58(createKey)
	if err != nil {
		return "", "", settleerrors.NewValidationError("derive_vault", "invalid create key")
	}
	multisig, err := squads.MultisigPDA(squads.DefaultProgramID, key)
	if err != nil {
		return "", "", err
	}
	deposit, err := squads.VaultPDA(squads.DefaultProgramID, multisig, squads.DefaultVaultIndex)
	if err != nil {
		return "", "", err
	}
	return multisig.String(), deposit.String(), nil
}

func (l *Ledger) ProposalAddress(vault string, seq uint64) (string, error) {
	multisig, err := solana.PublicKeyFromBase58(vault)
	if err != nil {
		return "", settleerrors.NewValidationError("proposal_address", "invalid vault")
	}
	addr, err := squads.ProposalPDA(squads.DefaultProgramID, multisig, seq)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func (l *Ledger) CreateVault(ctx context.Context, createKey solana.PrivateKey, members []string, threshold int) (*ledger.Vault, error) {
	multisig, deposit, err := l.DeriveVaultAddress(createKey.PublicKey().String())
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpCreateVault); err != nil {
		return nil, err
	}
	if _, ok := l.vaults[multisig]; ok {
		return nil, settleerrors.NewRejectedError(OpCreateVault, "account already in use", nil)
	}
	if threshold <= 0 || threshold > len(members) {
		return nil, settleerrors.NewInvalidInstructionError(OpCreateVault, "threshold out of range")
	}

	v := ledger.Vault{
		Address:        multisig,
		DepositAddress: deposit,
		CreateKey:      createKey.PublicKey().String(),
		Members:        append([]string(nil), members...),
		Threshold:      threshold,
	}
	l.vaults[multisig] = &vaultState{vault: v, proposals: map[uint64]*ledger.Proposal{}}
	out := v
	return &out, nil
}

func (l *Ledger) GetVault(ctx context.Context, vault string) (*ledger.Vault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpGetVault); err != nil {
		return nil, err
	}
	v, ok := l.vaults[vault]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", OpGetVault, vault, ledger.ErrAccountNotFound)
	}
	out := v.vault
	out.Members = append([]string(nil), v.vault.Members...)
	return &out, nil
}

func (l *Ledger) GetVaultBalance(ctx context.Context, vault string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpGetVaultBalance); err != nil {
		return 0, err
	}
	v, ok := l.vaults[vault]
	if !ok {
		return 0, nil
	}
	return v.balance, nil
}

func (l *Ledger) CreateProposal(ctx context.Context, vault string, seq uint64, transfers []ledger.Transfer) (*ledger.Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpCreateProposal); err != nil {
		return nil, err
	}
	v, ok := l.vaults[vault]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", OpCreateProposal, vault, ledger.ErrAccountNotFound)
	}
	if seq != v.vault.TransactionIndex+1 {
		return nil, settleerrors.NewRejectedError(OpCreateProposal,
			fmt.Sprintf("sequence %d is not next (cursor %d)", seq, v.vault.TransactionIndex), nil)
	}

	deposit, err := solana.PublicKeyFromBase58(v.vault.DepositAddress)
	if err != nil {
		return nil, err
	}
	msg, err := squads.BuildTransferMessage(deposit, transfers)
	if err != nil {
		return nil, settleerrors.NewInvalidInstructionError(OpCreateProposal, err.Error())
	}
	encoded, err := msg.MarshalCompact()
	if err != nil {
		return nil, settleerrors.NewInvalidInstructionError(OpCreateProposal, err.Error())
	}
	addr, err := l.ProposalAddress(vault, seq)
	if err != nil {
		return nil, err
	}

	p := &ledger.Proposal{
		Address:   addr,
		Vault:     vault,
		Sequence:  seq,
		Status:    ledger.StatusActive,
		Transfers: append([]ledger.Transfer(nil), transfers...),
		Message:   encoded,
	}
	v.proposals[seq] = p
	v.vault.TransactionIndex = seq
	return cloneProposal(p), nil
}

func (l *Ledger) GetProposal(ctx context.Context, vault string, seq uint64) (*ledger.Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpGetProposal); err != nil {
		return nil, err
	}
	p, err := l.proposalLocked(vault, seq)
	if err != nil {
		return nil, err
	}
	return cloneProposal(p), nil
}

func (l *Ledger) ApproveProposal(ctx context.Context, vault string, seq uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpApprove); err != nil {
		return "", err
	}
	if err := l.approveLocked(OpApprove, vault, seq, l.SystemKey()); err != nil {
		return "", err
	}
	return l.nextTxID(), nil
}

func (l *Ledger) ExecuteProposal(ctx context.Context, vault string, seq uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[OpExecute]++

	injected := l.popFailure(OpExecute)
	if injected != nil && !l.ExecuteLandsOnError {
		return "", injected
	}

	p, err := l.proposalLocked(vault, seq)
	if err != nil {
		return "", err
	}
	if p.Status != ledger.StatusApproved {
		return "", settleerrors.NewRejectedError(OpExecute, fmt.Sprintf("InvalidProposalStatus: %s", p.Status), nil)
	}
	v := l.vaults[vault]
	total, ok := ledger.TotalLamports(p.Transfers)
	if !ok || total > v.balance {
		return "", settleerrors.NewRejectedError(OpExecute, "insufficient funds in vault", nil)
	}
	v.balance -= total
	for _, t := range p.Transfers {
		l.balances[t.Recipient] += t.Lamports
	}
	p.Status = ledger.StatusExecuted

	if injected != nil {
		return l.nextTxID(), injected
	}
	return l.nextTxID(), nil
}

func (l *Ledger) approveLocked(op, vault string, seq uint64, member string) error {
	p, err := l.proposalLocked(vault, seq)
	if err != nil {
		return err
	}
	v := l.vaults[vault]
	isMember := false
	for _, m := range v.vault.Members {
		if m == member {
			isMember = true
		}
	}
	if !isMember {
		return settleerrors.NewRejectedError(op, "NotAMember", nil)
	}
	if p.Status != ledger.StatusActive {
		return settleerrors.NewRejectedError(op, fmt.Sprintf("InvalidProposalStatus: %s", p.Status), nil)
	}
	for _, a := range p.Approved {
		if a == member {
			return settleerrors.NewRejectedError(op, "AlreadyApproved", nil)
		}
	}
	p.Approved = append(p.Approved, member)
	if len(p.Approved) >= v.vault.Threshold {
		p.Status = ledger.StatusApproved
	}
	return nil
}

func (l *Ledger) proposalLocked(vault string, seq uint64) (*ledger.Proposal, error) {
	v, ok := l.vaults[vault]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", vault, ledger.ErrAccountNotFound)
	}
	p, ok := v.proposals[seq]
	if !ok {
		return nil, fmt.Errorf("proposal %d: %w", seq, ledger.ErrAccountNotFound)
	}
	return p, nil
}

func (l *Ledger) enter(op string) error {
	l.calls[op]++
	return l.popFailure(op)
}

func (l *Ledger) popFailure(op string) error {
	q := l.failures[op]
	if len(q) == 0 {
		return nil
	}
	l.failures[op] = q[1:]
	return q[0]
}

func (l *Ledger) nextTxID() string {
	l.txCounter++
	return fmt.Sprintf("tx-%d", l.txCounter)
}

func cloneProposal(p *ledger.Proposal) *ledger.Proposal {
	out := *p
	out.Approved = append([]string(nil), p.Approved...)
	out.Rejected = append([]string(nil), p.Rejected...)
	out.Transfers = append([]ledger.Transfer(nil), p.Transfers...)
	out.Message = append([]byte(nil), p.Message...)
	return &out
}
