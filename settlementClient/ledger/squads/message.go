package squads

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

// systemTransferTag is the system program's Transfer instruction index.
const systemTransferTag uint32 = 2

// CompiledInstruction references accounts by index into the message keys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// TransactionMessage is the message a vault transaction executes. Account keys
// are ordered writable signers, readonly signers, writable non-signers, then
// readonly non-signers. Address lookup tables are not used.
type TransactionMessage struct {
	NumSigners            uint8
	NumWritableSigners    uint8
	NumWritableNonSigners uint8
	AccountKeys           []solana.PublicKey
	Instructions          []CompiledInstruction
}

// BuildTransferMessage compiles a plan of system transfers out of vault.
func BuildTransferMessage(vault solana.PublicKey, transfers []ledger.Transfer) (*TransactionMessage, error) {
	if len(transfers) == 0 {
		return nil, fmt.Errorf("empty transfer plan")
	}

	keys := []solana.PublicKey{vault}
	index := map[solana.PublicKey]uint8{vault: 0}
	recipients := make([]solana.PublicKey, 0, len(transfers))
	for _, t := range transfers {
		to, err := solana.PublicKeyFromBase58(t.Recipient)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", t.Recipient, err)
		}
		if to.Equals(vault) {
			return nil, fmt.Errorf("recipient must not be the vault itself")
		}
		if _, ok := index[to]; !ok {
			index[to] = uint8(len(keys))
			keys = append(keys, to)
		}
		recipients = append(recipients, to)
	}
	programIndex := uint8(len(keys))
	keys = append(keys, solana.SystemProgramID)
	if len(keys) > 255 {
		return nil, fmt.Errorf("too many accounts in transfer plan")
	}

	msg := &TransactionMessage{
		NumSigners:            1,
		NumWritableSigners:    1,
		NumWritableNonSigners: uint8(len(keys) - 2),
		AccountKeys:           keys,
	}
	for i, t := range transfers {
		ix := system.NewTransferInstruction(t.Lamports, vault, recipients[i]).Build()
		data, err := ix.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to encode transfer: %w", err)
		}
		msg.Instructions = append(msg.Instructions, CompiledInstruction{
			ProgramIDIndex: programIndex,
			AccountIndexes: []uint8{0, index[recipients[i]]},
			Data:           data,
		})
	}
	return msg, nil
}

// Transfers decodes the plan back out of the message. Any instruction other
// than a system transfer from the vault is rejected.
func (m *TransactionMessage) Transfers(vault solana.PublicKey) ([]ledger.Transfer, error) {
	out := make([]ledger.Transfer, 0, len(m.Instructions))
	for i, ix := range m.Instructions {
		program, err := m.key(ix.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		if !program.Equals(solana.SystemProgramID) {
			return nil, fmt.Errorf("instruction %d: unexpected program %s", i, program)
		}
		if len(ix.Data) != 12 || binary.LittleEndian.Uint32(ix.Data[:4]) != systemTransferTag {
			return nil, fmt.Errorf("instruction %d: not a system transfer", i)
		}
		if len(ix.AccountIndexes) != 2 {
			return nil, fmt.Errorf("instruction %d: expected 2 accounts, got %d", i, len(ix.AccountIndexes))
		}
		from, err := m.key(ix.AccountIndexes[0])
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		if !from.Equals(vault) {
			return nil, fmt.Errorf("instruction %d: transfer source %s is not the vault", i, from)
		}
		to, err := m.key(ix.AccountIndexes[1])
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		out = append(out, ledger.Transfer{
			Recipient: to.String(),
			Lamports:  binary.LittleEndian.Uint64(ix.Data[4:12]),
		})
	}
	return out, nil
}

// IsWritable reports whether the key at index i is writable.
func (m *TransactionMessage) IsWritable(i int) bool {
	if i < int(m.NumSigners) {
		return i < int(m.NumWritableSigners)
	}
	return i-int(m.NumSigners) < int(m.NumWritableNonSigners)
}

func (m *TransactionMessage) key(i uint8) (solana.PublicKey, error) {
	if int(i) >= len(m.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range", i)
	}
	return m.AccountKeys[i], nil
}

// MarshalCompact encodes the message in the program's compact wire format
// (u8 length prefixes, u16 for instruction data). These bytes are the
// canonical form members sign.
func (m *TransactionMessage) MarshalCompact() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	if len(m.AccountKeys) > 255 || len(m.Instructions) > 255 {
		return nil, fmt.Errorf("message too large")
	}
	for _, v := range []uint8{m.NumSigners, m.NumWritableSigners, m.NumWritableNonSigners, uint8(len(m.AccountKeys))} {
		if err := enc.WriteUint8(v); err != nil {
			return nil, err
		}
	}
	for _, k := range m.AccountKeys {
		if err := enc.WriteBytes(k.Bytes(), false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint8(uint8(len(m.Instructions))); err != nil {
		return nil, err
	}
	for _, ix := range m.Instructions {
		if len(ix.AccountIndexes) > 255 || len(ix.Data) > 0xffff {
			return nil, fmt.Errorf("instruction too large")
		}
		if err := enc.WriteUint8(ix.ProgramIDIndex); err != nil {
			return nil, err
		}
		if err := enc.WriteUint8(uint8(len(ix.AccountIndexes))); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(ix.AccountIndexes, false); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(uint16(len(ix.Data)), bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(ix.Data, false); err != nil {
			return nil, err
		}
	}
	// no address table lookups
	if err := enc.WriteUint8(0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeStoredMessage reads the message as stored inside a VaultTransaction
// account, where vectors carry u32 length prefixes.
func decodeStoredMessage(dec *bin.Decoder) (*TransactionMessage, error) {
	m := &TransactionMessage{}
	var err error
	if m.NumSigners, err = dec.ReadUint8(); err != nil {
		return nil, err
	}
	if m.NumWritableSigners, err = dec.ReadUint8(); err != nil {
		return nil, err
	}
	if m.NumWritableNonSigners, err = dec.ReadUint8(); err != nil {
		return nil, err
	}
	if m.AccountKeys, err = readPubkeyVec(dec); err != nil {
		return nil, fmt.Errorf("account keys: %w", err)
	}

	n, err := readLen(dec)
	if err != nil {
		return nil, fmt.Errorf("instructions: %w", err)
	}
	for i := 0; i < n; i++ {
		var ix CompiledInstruction
		if ix.ProgramIDIndex, err = dec.ReadUint8(); err != nil {
			return nil, err
		}
		if ix.AccountIndexes, err = readByteVec(dec); err != nil {
			return nil, err
		}
		if ix.Data, err = readByteVec(dec); err != nil {
			return nil, err
		}
		m.Instructions = append(m.Instructions, ix)
	}

	lookups, err := readLen(dec)
	if err != nil {
		return nil, fmt.Errorf("address table lookups: %w", err)
	}
	if lookups != 0 {
		return nil, fmt.Errorf("address table lookups are not supported")
	}
	return m, nil
}
