package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsSignatures(t *testing.T) {
	tests := []struct {
		threshold, signers, want int
	}{
		{2, 0, 2},
		{2, 1, 1},
		{2, 2, 0},
		{2, 3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NeedsSignatures(tt.threshold, tt.signers))
	}
}

func TestSetSigners(t *testing.T) {
	p := &Proposal{Threshold: 2}

	p.SetSigners([]string{"b", "a", "b", ""})
	assert.Equal(t, "a,b", p.Signers)
	assert.Equal(t, []string{"a", "b"}, p.SignerList())
	assert.Equal(t, 0, p.NeedsSignatures)
	assert.True(t, p.HasSigner("a"))
	assert.False(t, p.HasSigner("c"))

	p.SetSigners(nil)
	assert.Empty(t, p.SignerList())
	assert.Equal(t, 2, p.NeedsSignatures)
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []string{ProposalStatusExecuted, ProposalStatusRejected, ProposalStatusCancelled, ProposalStatusArchived} {
		assert.True(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{ProposalStatusActive, ProposalStatusApproved, ProposalStatusReadyToExecute, ProposalStatusExecuting, ProposalStatusSignatureVerificationFailed} {
		assert.False(t, IsTerminalStatus(s), s)
	}
	assert.False(t, IsImmutableStatus(ProposalStatusArchived))
	assert.True(t, IsImmutableStatus(ProposalStatusExecuted))
}

func TestMatchHelpers(t *testing.T) {
	m := &Match{DepositAConfirmed: true}
	assert.Equal(t, 1, m.ConfirmedDeposits())
	assert.False(t, m.IsFinal())

	m.State = MatchStateRefunded
	assert.True(t, m.IsFinal())
}
