package squads

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

// fakeRPC serves canned JSON-RPC answers keyed by account address.
type fakeRPC struct {
	mu       sync.Mutex
	accounts map[string][]byte
	balances map[string]uint64
	sendErr  map[string]any
	methods  []string
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{accounts: map[string][]byte{}, balances: map[string]uint64{}}
}

func accountJSON(data []byte) map[string]any {
	return map[string]any{
		"data":       []any{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"lamports":   1_000_000,
		"owner":      DefaultProgramID.String(),
		"rentEpoch":  0,
	}
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     any   `json:"id"`
		Method string `json:"method"`
		Params []any  `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, req.Method)

	ctxSlot := map[string]any{"slot": 1}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "getAccountInfo":
		addr, _ := req.Params[0].(string)
		var value any
		if data, ok := f.accounts[addr]; ok {
			value = accountJSON(data)
		}
		resp["result"] = map[string]any{"context": ctxSlot, "value": value}
	case "getMultipleAccounts":
		addrs, _ := req.Params[0].([]any)
		values := make([]any, 0, len(addrs))
		for _, a := range addrs {
			if data, ok := f.accounts[a.(string)]; ok {
				values = append(values, accountJSON(data))
			} else {
				values = append(values, nil)
			}
		}
		resp["result"] = map[string]any{"context": ctxSlot, "value": values}
	case "getBalance":
		addr, _ := req.Params[0].(string)
		resp["result"] = map[string]any{"context": ctxSlot, "value": f.balances[addr]}
	case "getLatestBlockhash":
		resp["result"] = map[string]any{
			"context": ctxSlot,
			"value":   map[string]any{"blockhash": solana.Hash{}.String(), "lastValidBlockHeight": 100},
		}
	case "sendTransaction":
		if f.sendErr != nil {
			resp["error"] = f.sendErr
		} else {
			resp["result"] = solana.Signature{}.String()
		}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, f *fakeRPC) (*Client, solana.PrivateKey) {
	t.Helper()
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	systemKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	c, err := New(Config{
		RPCURLs:         []string{server.URL},
		RPCTimeout:      5 * time.Second,
		SystemKey:       systemKey,
		ConfirmInterval: 10 * time.Millisecond,
		ConfirmAttempts: 2,
	}, zerolog.Nop())
	require.NoError(t, err)
	return c, systemKey
}

func TestNew(t *testing.T) {
	_, err := New(Config{RPCURLs: []string{"http://localhost:1"}}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system key is required")

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	_, err = New(Config{SystemKey: key}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no RPC URLs provided")

	_, err = New(Config{RPCURLs: []string{"http://localhost:1"}, SystemKey: key, ProgramID: "bad"}, zerolog.Nop())
	require.Error(t, err)
}

func TestClientGetVault(t *testing.T) {
	f := newFakeRPC()
	c, systemKey := newTestClient(t, f)

	createKey := newKey()
	multisig, deposit, err := c.DeriveVaultAddress(createKey.String())
	require.NoError(t, err)

	a, b := newKey(), newKey()
	f.accounts[multisig] = encodeMultisigAccount(createKey, 2, 4, []Member{
		{Key: systemKey.PublicKey(), Permissions: PermissionAll},
		{Key: a, Permissions: PermissionVote},
		{Key: b, Permissions: PermissionVote},
	})
	f.balances[deposit] = 2_000_000_000

	vault, err := c.GetVault(context.Background(), multisig)
	require.NoError(t, err)
	assert.Equal(t, multisig, vault.Address)
	assert.Equal(t, deposit, vault.DepositAddress)
	assert.Equal(t, createKey.String(), vault.CreateKey)
	assert.Equal(t, 2, vault.Threshold)
	assert.Equal(t, uint64(4), vault.TransactionIndex)
	assert.ElementsMatch(t, []string{systemKey.PublicKey().String(), a.String(), b.String()}, vault.Members)

	balance, err := c.GetVaultBalance(context.Background(), multisig)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000_000), balance)

	_, err = c.GetVault(context.Background(), newKey().String())
	assert.True(t, ledger.IsNotFound(err), "got %v", err)

	_, err = c.GetVault(context.Background(), "not-a-key")
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeValidation))
}

func TestClientGetProposal(t *testing.T) {
	f := newFakeRPC()
	c, systemKey := newTestClient(t, f)

	multisigKey := newKey()
	vaultKey, err := VaultPDA(DefaultProgramID, multisigKey, DefaultVaultIndex)
	require.NoError(t, err)
	proposalKey, err := ProposalPDA(DefaultProgramID, multisigKey, 1)
	require.NoError(t, err)
	txKey, err := TransactionPDA(DefaultProgramID, multisigKey, 1)
	require.NoError(t, err)

	plan := []ledger.Transfer{{Recipient: newKey().String(), Lamports: 1_900_000_000}}
	msg, err := BuildTransferMessage(vaultKey, plan)
	require.NoError(t, err)

	player := newKey()
	f.accounts[proposalKey.String()] = encodeProposalAccount(multisigKey, 1, ledger.StatusApproved,
		[]solana.PublicKey{systemKey.PublicKey(), player})
	f.accounts[txKey.String()] = encodeVaultTransactionAccount(multisigKey, systemKey.PublicKey(), 1, msg)

	p, err := c.GetProposal(context.Background(), multisigKey.String(), 1)
	require.NoError(t, err)
	assert.Equal(t, proposalKey.String(), p.Address)
	assert.Equal(t, uint64(1), p.Sequence)
	assert.Equal(t, ledger.StatusApproved, p.Status)
	assert.Equal(t, plan, p.Transfers)
	assert.ElementsMatch(t, []string{systemKey.PublicKey().String(), player.String()}, p.Approved)

	want, err := msg.MarshalCompact()
	require.NoError(t, err)
	assert.Equal(t, want, p.Message)

	addr, err := c.ProposalAddress(multisigKey.String(), 1)
	require.NoError(t, err)
	assert.Equal(t, p.Address, addr)

	_, err = c.GetProposal(context.Background(), multisigKey.String(), 2)
	assert.True(t, ledger.IsNotFound(err), "got %v", err)
}

func TestClientApproveRejectedByProgram(t *testing.T) {
	f := newFakeRPC()
	f.sendErr = map[string]any{
		"code":    -32002,
		"message": "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x177b",
	}
	c, _ := newTestClient(t, f)

	_, err := c.ApproveProposal(context.Background(), newKey().String(), 1)
	require.Error(t, err)
	assert.True(t, settleerrors.IsCode(err, settleerrors.ErrCodeRejected), "got %v", err)
	assert.True(t, ledger.IsFatal(err))
}
