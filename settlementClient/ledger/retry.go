package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
)

// RetryingLedger retries ledger reads under the shared backoff policy. Writes
// pass straight through: their callers decide whether a resubmission is safe.
type RetryingLedger struct {
	Ledger
	policy *settleerrors.RetryPolicy
	logger zerolog.Logger
}

// WithRetry wraps l so that reads back off on transient failures, including
// rate limiting by the RPC endpoint.
func WithRetry(l Ledger, policy *settleerrors.RetryPolicy, logger zerolog.Logger) *RetryingLedger {
	if policy == nil {
		policy = settleerrors.DefaultRetryPolicy()
	}
	return &RetryingLedger{
		Ledger: l,
		policy: policy,
		logger: logger.With().Str("component", "ledger_retry").Logger(),
	}
}

func (r *RetryingLedger) GetVault(ctx context.Context, vault string) (*Vault, error) {
	var out *Vault
	err := r.run(ctx, "get_vault", func() error {
		v, err := r.Ledger.GetVault(ctx, vault)
		out = v
		return err
	})
	return out, err
}

func (r *RetryingLedger) GetVaultBalance(ctx context.Context, vault string) (uint64, error) {
	var out uint64
	err := r.run(ctx, "get_vault_balance", func() error {
		b, err := r.Ledger.GetVaultBalance(ctx, vault)
		out = b
		return err
	})
	return out, err
}

func (r *RetryingLedger) GetProposal(ctx context.Context, vault string, seq uint64) (*Proposal, error) {
	var out *Proposal
	err := r.run(ctx, "get_proposal", func() error {
		p, err := r.Ledger.GetProposal(ctx, vault, seq)
		out = p
		return err
	})
	return out, err
}

func (r *RetryingLedger) run(ctx context.Context, name string, fn settleerrors.RetryFunc) error {
	op := &settleerrors.RetryOperation{
		Name:   name,
		Fn:     fn,
		Policy: r.policy,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			r.logger.Debug().
				Str("operation", name).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(err).
				Msg("ledger read failed, backing off")
		},
	}
	return op.Execute(ctx)
}
