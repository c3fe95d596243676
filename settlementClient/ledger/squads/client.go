// Package squads implements ledger.Ledger on top of the Squads v4 multisig
// program over Solana JSON-RPC.
package squads

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

const (
	defaultConfirmInterval = 2 * time.Second
	defaultConfirmAttempts = 15
)

// Config configures the Squads ledger client.
type Config struct {
	RPCURLs         []string
	ProgramID       string
	Commitment      string
	RPCTimeout      time.Duration
	SystemKey       solana.PrivateKey
	ConfirmInterval time.Duration
	ConfirmAttempts int
}

// Client talks to the multisig program. All transactions are paid for and
// signed by the system member.
type Client struct {
	pool            *rpcPool
	programID       solana.PublicKey
	commitment      rpc.CommitmentType
	systemKey       solana.PrivateKey
	confirmInterval time.Duration
	confirmAttempts int
	logger          zerolog.Logger
}

var _ ledger.Ledger = (*Client)(nil)

// New creates a Squads ledger client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if len(cfg.SystemKey) == 0 {
		return nil, fmt.Errorf("system key is required")
	}
	programID := DefaultProgramID
	if cfg.ProgramID != "" {
		pk, err := solana.PublicKeyFromBase58(cfg.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("invalid program id: %w", err)
		}
		programID = pk
	}

	log := logger.With().Str("component", "squads_ledger").Logger()
	pool, err := newRPCPool(cfg.RPCURLs, cfg.RPCTimeout, log)
	if err != nil {
		return nil, err
	}

	commitment := rpc.CommitmentConfirmed
	if cfg.Commitment == string(rpc.CommitmentFinalized) {
		commitment = rpc.CommitmentFinalized
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaultConfirmInterval
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = defaultConfirmAttempts
	}

	return &Client{
		pool:            pool,
		programID:       programID,
		commitment:      commitment,
		systemKey:       cfg.SystemKey,
		confirmInterval: cfg.ConfirmInterval,
		confirmAttempts: cfg.ConfirmAttempts,
		logger:          log,
	}, nil
}

func (c *Client) SystemKey() string {
	return c.systemKey.PublicKey().String()
}

// IsHealthy reports whether any RPC endpoint answers.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.pool.isHealthy(ctx)
}

func (c *Client) DeriveVaultAddress(createKey string) (string, string, error) {
	key, err := solana.PublicKeyFromBase58(createKey)
	if err != nil {
		return "", "", settleerrors.NewValidationError("derive_vault", "invalid create key")
	}
	multisig, err := MultisigPDA(c.programID, key)
	if err != nil {
		return "", "", settleerrors.NewInternalError("derive_vault", "failed to derive multisig address", err)
	}
	vault, err := VaultPDA(c.programID, multisig, DefaultVaultIndex)
	if err != nil {
		return "", "", settleerrors.NewInternalError("derive_vault", "failed to derive vault address", err)
	}
	return multisig.String(), vault.String(), nil
}

func (c *Client) ProposalAddress(vault string, seq uint64) (string, error) {
	multisig, err := parseKey("proposal_address", vault)
	if err != nil {
		return "", err
	}
	addr, err := ProposalPDA(c.programID, multisig, seq)
	if err != nil {
		return "", settleerrors.NewInternalError("proposal_address", "failed to derive proposal address", err)
	}
	return addr.String(), nil
}

func (c *Client) CreateVault(ctx context.Context, createKey solana.PrivateKey, members []string, threshold int) (*ledger.Vault, error) {
	const op = "create_vault"

	if threshold <= 0 || threshold > len(members) {
		return nil, settleerrors.NewInvalidInstructionError(op, "threshold out of range")
	}
	system := c.systemKey.PublicKey()
	squadMembers := make([]Member, 0, len(members))
	for _, m := range members {
		key, err := parseKey(op, m)
		if err != nil {
			return nil, err
		}
		perms := PermissionVote
		if key.Equals(system) {
			perms = PermissionAll
		}
		squadMembers = append(squadMembers, Member{Key: key, Permissions: perms})
	}

	programConfig, err := ProgramConfigPDA(c.programID)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive program config", err)
	}
	configData, err := c.pool.getAccountData(ctx, programConfig, c.commitment)
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeProgramConfig(configData)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to decode program config", err)
	}

	multisig, err := MultisigPDA(c.programID, createKey.PublicKey())
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive multisig address", err)
	}
	ix, err := multisigCreateV2(c.programID, programConfig, cfg.Treasury, multisig, createKey.PublicKey(), system, squadMembers, uint16(threshold))
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to encode instruction", err)
	}

	if _, err := c.sendAndConfirm(ctx, op, []solana.Instruction{ix}, createKey); err != nil {
		return nil, err
	}
	return c.GetVault(ctx, multisig.String())
}

func (c *Client) GetVault(ctx context.Context, vault string) (*ledger.Vault, error) {
	multisig, err := parseKey("get_vault", vault)
	if err != nil {
		return nil, err
	}
	data, err := c.pool.getAccountData(ctx, multisig, c.commitment)
	if err != nil {
		return nil, err
	}
	acc, err := DecodeMultisig(data)
	if err != nil {
		return nil, settleerrors.NewInternalError("get_vault", "failed to decode multisig account", err)
	}
	deposit, err := VaultPDA(c.programID, multisig, DefaultVaultIndex)
	if err != nil {
		return nil, settleerrors.NewInternalError("get_vault", "failed to derive vault address", err)
	}

	members := make([]string, 0, len(acc.Members))
	for _, m := range acc.Members {
		members = append(members, m.Key.String())
	}
	return &ledger.Vault{
		Address:          vault,
		DepositAddress:   deposit.String(),
		CreateKey:        acc.CreateKey.String(),
		Members:          members,
		Threshold:        int(acc.Threshold),
		TransactionIndex: acc.TransactionIndex,
	}, nil
}

func (c *Client) GetVaultBalance(ctx context.Context, vault string) (uint64, error) {
	multisig, err := parseKey("get_vault_balance", vault)
	if err != nil {
		return 0, err
	}
	deposit, err := VaultPDA(c.programID, multisig, DefaultVaultIndex)
	if err != nil {
		return 0, settleerrors.NewInternalError("get_vault_balance", "failed to derive vault address", err)
	}
	return c.pool.getBalance(ctx, deposit, c.commitment)
}

func (c *Client) CreateProposal(ctx context.Context, vault string, seq uint64, transfers []ledger.Transfer) (*ledger.Proposal, error) {
	const op = "create_proposal"

	multisig, err := parseKey(op, vault)
	if err != nil {
		return nil, err
	}
	deposit, err := VaultPDA(c.programID, multisig, DefaultVaultIndex)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive vault address", err)
	}
	msg, err := BuildTransferMessage(deposit, transfers)
	if err != nil {
		return nil, settleerrors.NewInvalidInstructionError(op, err.Error())
	}
	encoded, err := msg.MarshalCompact()
	if err != nil {
		return nil, settleerrors.NewInvalidInstructionError(op, err.Error())
	}

	txPDA, err := TransactionPDA(c.programID, multisig, seq)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive transaction address", err)
	}
	proposalPDA, err := ProposalPDA(c.programID, multisig, seq)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive proposal address", err)
	}

	system := c.systemKey.PublicKey()
	createTx, err := vaultTransactionCreate(c.programID, multisig, txPDA, system, DefaultVaultIndex, encoded)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to encode instruction", err)
	}
	createProposal, err := proposalCreate(c.programID, multisig, proposalPDA, system, seq)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to encode instruction", err)
	}

	if _, err := c.sendAndConfirm(ctx, op, []solana.Instruction{createTx, createProposal}); err != nil {
		return nil, err
	}
	return c.GetProposal(ctx, vault, seq)
}

func (c *Client) GetProposal(ctx context.Context, vault string, seq uint64) (*ledger.Proposal, error) {
	const op = "get_proposal"

	multisig, err := parseKey(op, vault)
	if err != nil {
		return nil, err
	}
	proposalPDA, err := ProposalPDA(c.programID, multisig, seq)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive proposal address", err)
	}
	txPDA, err := TransactionPDA(c.programID, multisig, seq)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive transaction address", err)
	}

	datas, err := c.pool.getMultipleAccountsData(ctx, []solana.PublicKey{proposalPDA, txPDA}, c.commitment)
	if err != nil {
		return nil, err
	}
	if datas[0] == nil || datas[1] == nil {
		return nil, fmt.Errorf("%s %s: %w", op, proposalPDA, ledger.ErrAccountNotFound)
	}

	prop, err := DecodeProposal(datas[0])
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to decode proposal account", err)
	}
	vtx, err := DecodeVaultTransaction(datas[1])
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to decode transaction account", err)
	}
	deposit, err := VaultPDA(c.programID, multisig, vtx.VaultIndex)
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to derive vault address", err)
	}
	transfers, err := vtx.Message.Transfers(deposit)
	if err != nil {
		// Not one of ours. Surface it with an empty plan so it never matches.
		c.logger.Warn().Err(err).Str("proposal", proposalPDA.String()).Msg("proposal carries a foreign transaction")
		transfers = nil
	}
	message, err := vtx.Message.MarshalCompact()
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to encode message", err)
	}

	return &ledger.Proposal{
		Address:   proposalPDA.String(),
		Vault:     vault,
		Sequence:  prop.TransactionIndex,
		Status:    prop.Status,
		Approved:  keysToStrings(prop.Approved),
		Rejected:  keysToStrings(prop.Rejected),
		Transfers: transfers,
		Message:   message,
	}, nil
}

func (c *Client) ApproveProposal(ctx context.Context, vault string, seq uint64) (string, error) {
	const op = "approve_proposal"

	multisig, err := parseKey(op, vault)
	if err != nil {
		return "", err
	}
	proposalPDA, err := ProposalPDA(c.programID, multisig, seq)
	if err != nil {
		return "", settleerrors.NewInternalError(op, "failed to derive proposal address", err)
	}
	ix, err := proposalApprove(c.programID, multisig, proposalPDA, c.systemKey.PublicKey())
	if err != nil {
		return "", settleerrors.NewInternalError(op, "failed to encode instruction", err)
	}
	sig, err := c.sendAndConfirm(ctx, op, []solana.Instruction{ix})
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// ExecuteProposal submits the execution and returns its signature without
// waiting for confirmation; callers poll the proposal status.
func (c *Client) ExecuteProposal(ctx context.Context, vault string, seq uint64) (string, error) {
	const op = "execute_proposal"

	multisig, err := parseKey(op, vault)
	if err != nil {
		return "", err
	}
	proposalPDA, err := ProposalPDA(c.programID, multisig, seq)
	if err != nil {
		return "", settleerrors.NewInternalError(op, "failed to derive proposal address", err)
	}
	txPDA, err := TransactionPDA(c.programID, multisig, seq)
	if err != nil {
		return "", settleerrors.NewInternalError(op, "failed to derive transaction address", err)
	}

	data, err := c.pool.getAccountData(ctx, txPDA, c.commitment)
	if err != nil {
		return "", err
	}
	vtx, err := DecodeVaultTransaction(data)
	if err != nil {
		return "", settleerrors.NewInternalError(op, "failed to decode transaction account", err)
	}

	ix, err := vaultTransactionExecute(c.programID, multisig, proposalPDA, txPDA, c.systemKey.PublicKey(), vtx.Message)
	if err != nil {
		return "", settleerrors.NewInternalError(op, "failed to encode instruction", err)
	}
	tx, err := c.buildSigned(ctx, op, []solana.Instruction{ix})
	if err != nil {
		return "", err
	}
	sig, err := c.pool.sendTransaction(ctx, tx, c.commitment)
	if err != nil {
		if sig == (solana.Signature{}) {
			return "", err
		}
		return sig.String(), err
	}

	c.logger.Info().
		Str("proposal", proposalPDA.String()).
		Str("tx_hash", sig.String()).
		Msg("execution submitted")
	return sig.String(), nil
}

func (c *Client) buildSigned(ctx context.Context, op string, ixs []solana.Instruction, extraSigners ...solana.PrivateKey) (*solana.Transaction, error) {
	blockhash, err := c.pool.getLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return nil, err
	}

	payer := c.systemKey.PublicKey()
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to create transaction", err)
	}

	signers := append([]solana.PrivateKey{c.systemKey}, extraSigners...)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if key.Equals(signers[i].PublicKey()) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to sign transaction", err)
	}
	return tx, nil
}

// sendAndConfirm submits a transaction and waits until it reaches the
// configured commitment.
func (c *Client) sendAndConfirm(ctx context.Context, op string, ixs []solana.Instruction, extraSigners ...solana.PrivateKey) (solana.Signature, error) {
	tx, err := c.buildSigned(ctx, op, ixs, extraSigners...)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.pool.sendTransaction(ctx, tx, c.commitment)
	if err != nil {
		return solana.Signature{}, err
	}

	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < c.confirmAttempts; attempt++ {
		landed, err := c.pool.signatureStatus(ctx, sig, c.commitment)
		if err != nil {
			return sig, err
		}
		if landed {
			return sig, nil
		}
		select {
		case <-ctx.Done():
			return sig, settleerrors.NewTimeoutError(op, "confirmation wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
	return sig, settleerrors.NewTimeoutError(op, fmt.Sprintf("transaction %s not confirmed", sig), nil)
}

func parseKey(op, s string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, settleerrors.NewValidationError(op, fmt.Sprintf("invalid public key %q", s))
	}
	return key, nil
}

func keysToStrings(keys []solana.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
