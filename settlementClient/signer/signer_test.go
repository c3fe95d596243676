package signer

import (
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := NewRandom()
	require.NoError(t, err)

	msg := []byte("settle match-1")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)

	ok, err := Verify(kp.Address(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(kp.Address(), []byte("other message"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := NewRandom()
	require.NoError(t, err)
	ok, err = Verify(other.Address(), msg, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformed(t *testing.T) {
	kp, err := NewRandom()
	require.NoError(t, err)

	tests := []struct {
		name      string
		signer    string
		signature string
		errMsg    string
	}{
		{name: "bad signer", signer: "not-a-key", signature: base58.Encode(make([]byte, 64)), errMsg: "invalid signer public key"},
		{name: "bad encoding", signer: kp.Address(), signature: "0OIl", errMsg: "invalid signature"},
		{name: "short signature", signer: kp.Address(), signature: base58.Encode([]byte{1, 2, 3}), errMsg: "invalid signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.signer, []byte("m"), tt.signature)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	kp, err := NewRandom()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "system.json")
	require.NoError(t, kp.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), loaded.Address())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestFromPrivateKeyLength(t *testing.T) {
	_, err := FromPrivateKey(make([]byte, 32))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key length")
}
