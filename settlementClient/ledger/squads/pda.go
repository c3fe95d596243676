package squads

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the Squads v4 multisig program on mainnet and devnet.
var DefaultProgramID = solana.MustPublicKeyFromBase58("SQDS4ep65T869zMMBKyuUq6SqL6SpEaYvJ6Kz65VLtA")

var (
	seedPrefix        = []byte("multisig")
	seedMultisig      = []byte("multisig")
	seedVault         = []byte("vault")
	seedTransaction   = []byte("transaction")
	seedProposal      = []byte("proposal")
	seedProgramConfig = []byte("program_config")
)

// DefaultVaultIndex is the only vault used per multisig.
const DefaultVaultIndex uint8 = 0

// ProgramConfigPDA derives the program-wide config account.
func ProgramConfigPDA(programID solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{seedPrefix, seedProgramConfig}, programID)
	return address, err
}

// MultisigPDA derives the multisig account from its create key.
func MultisigPDA(programID, createKey solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{seedPrefix, seedMultisig, createKey.Bytes()}, programID)
	return address, err
}

// VaultPDA derives the vault that holds the multisig's lamports.
func VaultPDA(programID, multisig solana.PublicKey, index uint8) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{seedPrefix, multisig.Bytes(), seedVault, {index}}, programID)
	return address, err
}

// TransactionPDA derives the vault transaction account for a sequence number.
func TransactionPDA(programID, multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{seedPrefix, multisig.Bytes(), seedTransaction, u64LE(index)}, programID)
	return address, err
}

// ProposalPDA derives the proposal account for a sequence number.
func ProposalPDA(programID, multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress([][]byte{seedPrefix, multisig.Bytes(), seedTransaction, u64LE(index), seedProposal}, programID)
	return address, err
}

func u64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
