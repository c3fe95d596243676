package squads

import (
	"bytes"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

// accountWriter builds raw account bytes the way the program lays them out.
type accountWriter struct {
	bytes.Buffer
}

func newAccountWriter(disc [8]byte) *accountWriter {
	w := &accountWriter{}
	w.Write(disc[:])
	return w
}

func (w *accountWriter) u8(v uint8) { w.WriteByte(v) }

func (w *accountWriter) u16(v uint16) { _ = binary.Write(w, binary.LittleEndian, v) }

func (w *accountWriter) u32(v uint32) { _ = binary.Write(w, binary.LittleEndian, v) }

func (w *accountWriter) u64(v uint64) { _ = binary.Write(w, binary.LittleEndian, v) }

func (w *accountWriter) i64(v int64) { _ = binary.Write(w, binary.LittleEndian, v) }

func (w *accountWriter) key(k solana.PublicKey) { w.Write(k.Bytes()) }

func (w *accountWriter) keys(ks []solana.PublicKey) {
	w.u32(uint32(len(ks)))
	for _, k := range ks {
		w.key(k)
	}
}

func (w *accountWriter) vec(b []byte) {
	w.u32(uint32(len(b)))
	w.Write(b)
}

func encodeMultisigAccount(createKey solana.PublicKey, threshold uint16, txIndex uint64, members []Member) []byte {
	w := newAccountWriter(multisigDiscriminator)
	w.key(createKey)
	w.key(solana.PublicKey{}) // config authority
	w.u16(threshold)
	w.u32(0)
	w.u64(txIndex)
	w.u64(0)
	w.u8(0) // no rent collector
	w.u8(255)
	w.u32(uint32(len(members)))
	for _, m := range members {
		w.key(m.Key)
		w.u8(m.Permissions)
	}
	return w.Bytes()
}

func encodeProposalAccount(multisig solana.PublicKey, index uint64, status ledger.ProposalStatus, approved []solana.PublicKey) []byte {
	w := newAccountWriter(proposalDiscriminator)
	w.key(multisig)
	w.u64(index)
	for i, s := range proposalStatusVariants {
		if s == status {
			w.u8(uint8(i))
		}
	}
	if status != ledger.StatusExecuting {
		w.i64(1_700_000_000)
	}
	w.u8(254)
	w.keys(approved)
	w.keys(nil)
	w.keys(nil)
	return w.Bytes()
}

func encodeVaultTransactionAccount(multisig, creator solana.PublicKey, index uint64, msg *TransactionMessage) []byte {
	w := newAccountWriter(vaultTransactionDiscriminator)
	w.key(multisig)
	w.key(creator)
	w.u64(index)
	w.u8(253)
	w.u8(DefaultVaultIndex)
	w.u8(252)
	w.vec(nil)
	w.u8(msg.NumSigners)
	w.u8(msg.NumWritableSigners)
	w.u8(msg.NumWritableNonSigners)
	w.keys(msg.AccountKeys)
	w.u32(uint32(len(msg.Instructions)))
	for _, ix := range msg.Instructions {
		w.u8(ix.ProgramIDIndex)
		w.vec(ix.AccountIndexes)
		w.vec(ix.Data)
	}
	w.u32(0)
	return w.Bytes()
}

func encodeProgramConfigAccount(treasury solana.PublicKey) []byte {
	w := newAccountWriter(programConfigDiscriminator)
	w.key(solana.PublicKey{})
	w.u64(0)
	w.key(treasury)
	w.Write(make([]byte, 64))
	return w.Bytes()
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}
