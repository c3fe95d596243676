package squads

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ixMultisigCreateV2       = instructionDiscriminator("multisig_create_v2")
	ixVaultTransactionCreate = instructionDiscriminator("vault_transaction_create")
	ixProposalCreate         = instructionDiscriminator("proposal_create")
	ixProposalApprove        = instructionDiscriminator("proposal_approve")
	ixVaultTransactionExec   = instructionDiscriminator("vault_transaction_execute")
)

// instructionEncoder accumulates Borsh-encoded instruction data. The first
// write error sticks and is reported by bytes().
type instructionEncoder struct {
	buf *bytes.Buffer
	enc *bin.Encoder
	err error
}

func newInstructionEncoder(disc [8]byte) *instructionEncoder {
	buf := new(bytes.Buffer)
	e := &instructionEncoder{buf: buf, enc: bin.NewBorshEncoder(buf)}
	e.raw(disc[:])
	return e
}

func (e *instructionEncoder) raw(b []byte) {
	if e.err == nil {
		e.err = e.enc.WriteBytes(b, false)
	}
}

func (e *instructionEncoder) u8(v uint8) {
	if e.err == nil {
		e.err = e.enc.WriteUint8(v)
	}
}

func (e *instructionEncoder) u16(v uint16) {
	if e.err == nil {
		e.err = e.enc.WriteUint16(v, bin.LE)
	}
}

func (e *instructionEncoder) u32(v uint32) {
	if e.err == nil {
		e.err = e.enc.WriteUint32(v, bin.LE)
	}
}

func (e *instructionEncoder) u64(v uint64) {
	if e.err == nil {
		e.err = e.enc.WriteUint64(v, bin.LE)
	}
}

func (e *instructionEncoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *instructionEncoder) vec(b []byte) {
	e.u32(uint32(len(b)))
	e.raw(b)
}

func (e *instructionEncoder) none() {
	e.u8(0)
}

func (e *instructionEncoder) bytes() ([]byte, error) {
	return e.buf.Bytes(), e.err
}

// multisigCreateV2 creates a multisig with no config authority, so membership
// and threshold can never be changed after creation.
func multisigCreateV2(
	programID, programConfig, treasury, multisig, createKey, creator solana.PublicKey,
	members []Member,
	threshold uint16,
) (solana.Instruction, error) {
	e := newInstructionEncoder(ixMultisigCreateV2)
	e.none() // config_authority
	e.u16(threshold)
	e.u32(uint32(len(members)))
	for _, m := range members {
		e.raw(m.Key.Bytes())
		e.u8(m.Permissions)
	}
	e.u32(0)  // time_lock
	e.none() // rent_collector
	e.none() // memo
	data, err := e.bytes()
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(programConfig, false, false),
		solana.NewAccountMeta(treasury, true, false),
		solana.NewAccountMeta(multisig, true, false),
		solana.NewAccountMeta(createKey, false, true),
		solana.NewAccountMeta(creator, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func vaultTransactionCreate(
	programID, multisig, transaction, creator solana.PublicKey,
	vaultIndex uint8,
	message []byte,
) (solana.Instruction, error) {
	e := newInstructionEncoder(ixVaultTransactionCreate)
	e.u8(vaultIndex)
	e.u8(0) // ephemeral_signers
	e.vec(message)
	e.none() // memo
	data, err := e.bytes()
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, true, false),
		solana.NewAccountMeta(transaction, true, false),
		solana.NewAccountMeta(creator, false, true),
		solana.NewAccountMeta(creator, true, true), // rent payer
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func proposalCreate(programID, multisig, proposal, creator solana.PublicKey, index uint64) (solana.Instruction, error) {
	e := newInstructionEncoder(ixProposalCreate)
	e.u64(index)
	e.boolean(false) // draft
	data, err := e.bytes()
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, false, false),
		solana.NewAccountMeta(proposal, true, false),
		solana.NewAccountMeta(creator, false, true),
		solana.NewAccountMeta(creator, true, true), // rent payer
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func proposalApprove(programID, multisig, proposal, member solana.PublicKey) (solana.Instruction, error) {
	e := newInstructionEncoder(ixProposalApprove)
	e.none() // memo
	data, err := e.bytes()
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, false, false),
		solana.NewAccountMeta(member, true, true),
		solana.NewAccountMeta(proposal, true, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

// vaultTransactionExecute passes the message's accounts as remaining accounts,
// in message order. The vault signs through the program, so no remaining
// account is marked as a signer.
func vaultTransactionExecute(
	programID, multisig, proposal, transaction, member solana.PublicKey,
	msg *TransactionMessage,
) (solana.Instruction, error) {
	data, err := newInstructionEncoder(ixVaultTransactionExec).bytes()
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, false, false),
		solana.NewAccountMeta(proposal, true, false),
		solana.NewAccountMeta(transaction, false, false),
		solana.NewAccountMeta(member, false, true),
	}
	for i, key := range msg.AccountKeys {
		accounts = append(accounts, solana.NewAccountMeta(key, msg.IsWritable(i), false))
	}
	return solana.NewInstruction(programID, accounts, data), nil
}
