package squads

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

// Member permission bits.
const (
	PermissionInitiate uint8 = 1 << 0
	PermissionVote     uint8 = 1 << 1
	PermissionExecute  uint8 = 1 << 2

	PermissionAll = PermissionInitiate | PermissionVote | PermissionExecute
)

// maxVecLen bounds decoded vector lengths so corrupt data cannot force huge allocations.
const maxVecLen = 10_000

var (
	multisigDiscriminator         = accountDiscriminator("Multisig")
	proposalDiscriminator         = accountDiscriminator("Proposal")
	vaultTransactionDiscriminator = accountDiscriminator("VaultTransaction")
	programConfigDiscriminator    = accountDiscriminator("ProgramConfig")
)

// accountDiscriminator is the Anchor account tag: sha256("account:<Name>")[:8].
func accountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

// instructionDiscriminator is the Anchor instruction tag: sha256("global:<name>")[:8].
func instructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

func discriminator(preimage string) [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte(preimage))
	copy(d[:], sum[:8])
	return d
}

// Member is a multisig member and its permission mask.
type Member struct {
	Key         solana.PublicKey
	Permissions uint8
}

// MultisigAccount is the decoded Multisig account.
type MultisigAccount struct {
	CreateKey             solana.PublicKey
	ConfigAuthority       solana.PublicKey
	Threshold             uint16
	TimeLock              uint32
	TransactionIndex      uint64
	StaleTransactionIndex uint64
	RentCollector         *solana.PublicKey
	Bump                  uint8
	Members               []Member
}

// ProposalAccount is the decoded Proposal account.
type ProposalAccount struct {
	Multisig         solana.PublicKey
	TransactionIndex uint64
	Status           ledger.ProposalStatus
	StatusTimestamp  int64
	Bump             uint8
	Approved         []solana.PublicKey
	Rejected         []solana.PublicKey
	Cancelled        []solana.PublicKey
}

// VaultTransactionAccount is the decoded VaultTransaction account.
type VaultTransactionAccount struct {
	Multisig             solana.PublicKey
	Creator              solana.PublicKey
	Index                uint64
	Bump                 uint8
	VaultIndex           uint8
	VaultBump            uint8
	EphemeralSignerBumps []byte
	Message              *TransactionMessage
}

// ProgramConfigAccount is the decoded program-wide config.
type ProgramConfigAccount struct {
	Authority           solana.PublicKey
	MultisigCreationFee uint64
	Treasury            solana.PublicKey
}

// proposalStatusVariants is the on-chain enum order.
var proposalStatusVariants = []ledger.ProposalStatus{
	ledger.StatusDraft,
	ledger.StatusActive,
	ledger.StatusRejected,
	ledger.StatusApproved,
	ledger.StatusExecuting,
	ledger.StatusExecuted,
	ledger.StatusCancelled,
}

// DecodeMultisig decodes a Multisig account.
func DecodeMultisig(data []byte) (*MultisigAccount, error) {
	dec, err := newAccountDecoder(data, multisigDiscriminator, "Multisig")
	if err != nil {
		return nil, err
	}

	acc := &MultisigAccount{}
	if acc.CreateKey, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("create_key: %w", err)
	}
	if acc.ConfigAuthority, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("config_authority: %w", err)
	}
	if acc.Threshold, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	if acc.TimeLock, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, fmt.Errorf("time_lock: %w", err)
	}
	if acc.TransactionIndex, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("transaction_index: %w", err)
	}
	if acc.StaleTransactionIndex, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("stale_transaction_index: %w", err)
	}
	if acc.RentCollector, err = readOptionPubkey(dec); err != nil {
		return nil, fmt.Errorf("rent_collector: %w", err)
	}
	if acc.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("bump: %w", err)
	}

	n, err := readLen(dec)
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	for i := 0; i < n; i++ {
		var m Member
		if m.Key, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		if m.Permissions, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("member %d permissions: %w", i, err)
		}
		acc.Members = append(acc.Members, m)
	}
	return acc, nil
}

// DecodeProposal decodes a Proposal account.
func DecodeProposal(data []byte) (*ProposalAccount, error) {
	dec, err := newAccountDecoder(data, proposalDiscriminator, "Proposal")
	if err != nil {
		return nil, err
	}

	acc := &ProposalAccount{}
	if acc.Multisig, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("multisig: %w", err)
	}
	if acc.TransactionIndex, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("transaction_index: %w", err)
	}

	variant, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if int(variant) >= len(proposalStatusVariants) {
		return nil, fmt.Errorf("unknown proposal status variant %d", variant)
	}
	acc.Status = proposalStatusVariants[variant]
	// Executing is the only variant without a timestamp.
	if acc.Status != ledger.StatusExecuting {
		if acc.StatusTimestamp, err = dec.ReadInt64(bin.LE); err != nil {
			return nil, fmt.Errorf("status timestamp: %w", err)
		}
	}

	if acc.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("bump: %w", err)
	}
	if acc.Approved, err = readPubkeyVec(dec); err != nil {
		return nil, fmt.Errorf("approved: %w", err)
	}
	if acc.Rejected, err = readPubkeyVec(dec); err != nil {
		return nil, fmt.Errorf("rejected: %w", err)
	}
	if acc.Cancelled, err = readPubkeyVec(dec); err != nil {
		return nil, fmt.Errorf("cancelled: %w", err)
	}
	return acc, nil
}

// DecodeVaultTransaction decodes a VaultTransaction account.
func DecodeVaultTransaction(data []byte) (*VaultTransactionAccount, error) {
	dec, err := newAccountDecoder(data, vaultTransactionDiscriminator, "VaultTransaction")
	if err != nil {
		return nil, err
	}

	acc := &VaultTransactionAccount{}
	if acc.Multisig, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("multisig: %w", err)
	}
	if acc.Creator, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("creator: %w", err)
	}
	if acc.Index, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	if acc.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("bump: %w", err)
	}
	if acc.VaultIndex, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("vault_index: %w", err)
	}
	if acc.VaultBump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("vault_bump: %w", err)
	}
	if acc.EphemeralSignerBumps, err = readByteVec(dec); err != nil {
		return nil, fmt.Errorf("ephemeral_signer_bumps: %w", err)
	}
	if acc.Message, err = decodeStoredMessage(dec); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return acc, nil
}

// DecodeProgramConfig decodes the ProgramConfig account.
func DecodeProgramConfig(data []byte) (*ProgramConfigAccount, error) {
	dec, err := newAccountDecoder(data, programConfigDiscriminator, "ProgramConfig")
	if err != nil {
		return nil, err
	}

	acc := &ProgramConfigAccount{}
	if acc.Authority, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}
	if acc.MultisigCreationFee, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("multisig_creation_fee: %w", err)
	}
	if acc.Treasury, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("treasury: %w", err)
	}
	return acc, nil
}

func newAccountDecoder(data []byte, want [8]byte, name string) (*bin.Decoder, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("invalid %s account data: too short (%d bytes)", name, len(data))
	}
	if !bytes.Equal(data[:8], want[:]) {
		return nil, fmt.Errorf("invalid %s account data: discriminator mismatch", name)
	}
	return bin.NewBorshDecoder(data[8:]), nil
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readOptionPubkey(dec *bin.Decoder) (*solana.PublicKey, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		k, err := readPubkey(dec)
		if err != nil {
			return nil, err
		}
		return &k, nil
	default:
		return nil, fmt.Errorf("invalid option tag %d", tag)
	}
}

func readLen(dec *bin.Decoder) (int, error) {
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return 0, err
	}
	if n > maxVecLen {
		return 0, fmt.Errorf("vector length %d exceeds limit", n)
	}
	return int(n), nil
}

func readPubkeyVec(dec *bin.Decoder) ([]solana.PublicKey, error) {
	n, err := readLen(dec)
	if err != nil {
		return nil, err
	}
	out := make([]solana.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		k, err := readPubkey(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func readByteVec(dec *bin.Decoder) ([]byte, error) {
	n, err := readLen(dec)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	return dec.ReadNBytes(n)
}
