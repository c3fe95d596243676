package squads

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
)

// rpcPool round-robins calls over a set of Solana RPC endpoints.
type rpcPool struct {
	clients []*rpc.Client
	index   uint64
	mu      sync.RWMutex
	timeout time.Duration
	logger  zerolog.Logger
}

func newRPCPool(rpcURLs []string, timeout time.Duration, logger zerolog.Logger) (*rpcPool, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}
	clients := make([]*rpc.Client, 0, len(rpcURLs))
	for _, url := range rpcURLs {
		clients = append(clients, rpc.New(url))
	}
	return &rpcPool{
		clients: clients,
		timeout: timeout,
		logger:  logger.With().Str("component", "svm_rpc_pool").Logger(),
	}, nil
}

// executeWithFailover runs fn against each endpoint in turn until one succeeds.
// Answers that another endpoint would repeat (missing accounts, program
// rejections) end the loop immediately. The returned error is classified.
func (p *rpcPool) executeWithFailover(ctx context.Context, operation string, fn func(context.Context, *rpc.Client) error) error {
	p.mu.RLock()
	clients := p.clients
	p.mu.RUnlock()

	if len(clients) == 0 {
		return settleerrors.NewNetworkError(operation, "no RPC clients available", nil)
	}

	var lastErr error
	for attempt := 0; attempt < len(clients); attempt++ {
		if err := ctx.Err(); err != nil {
			return classifyRPCError(operation, err)
		}

		index := atomic.AddUint64(&p.index, 1) - 1
		client := clients[index%uint64(len(clients))]

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		}
		err := fn(callCtx, client)
		cancel()
		if err == nil {
			return nil
		}

		classified := classifyRPCError(operation, err)
		if ledger.IsNotFound(classified) || ledger.IsFatal(classified) {
			return classified
		}
		lastErr = classified

		p.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}
	return lastErr
}

func (p *rpcPool) isHealthy(ctx context.Context) bool {
	err := p.executeWithFailover(ctx, "get_health", func(ctx context.Context, c *rpc.Client) error {
		health, err := c.GetHealth(ctx)
		if err != nil {
			return err
		}
		if health != "ok" {
			return fmt.Errorf("node is not healthy: %s", health)
		}
		return nil
	})
	return err == nil
}

// getAccountData returns the raw account data, or ErrAccountNotFound.
func (p *rpcPool) getAccountData(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) ([]byte, error) {
	var data []byte
	err := p.executeWithFailover(ctx, "get_account_info", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{Commitment: commitment})
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil {
			return rpc.ErrNotFound
		}
		data = res.Value.Data.GetBinary()
		return nil
	})
	return data, err
}

// getMultipleAccountsData returns data per address; missing accounts are nil.
func (p *rpcPool) getMultipleAccountsData(ctx context.Context, addresses []solana.PublicKey, commitment rpc.CommitmentType) ([][]byte, error) {
	var out [][]byte
	err := p.executeWithFailover(ctx, "get_multiple_accounts", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{Commitment: commitment})
		if err != nil {
			return err
		}
		if res == nil || len(res.Value) != len(addresses) {
			return fmt.Errorf("unexpected account count in response")
		}
		out = make([][]byte, len(addresses))
		for i, acc := range res.Value {
			if acc != nil {
				out[i] = acc.Data.GetBinary()
			}
		}
		return nil
	})
	return out, err
}

func (p *rpcPool) getBalance(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (uint64, error) {
	var lamports uint64
	err := p.executeWithFailover(ctx, "get_balance", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetBalance(ctx, address, commitment)
		if err != nil {
			return err
		}
		lamports = res.Value
		return nil
	})
	return lamports, err
}

func (p *rpcPool) getLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error) {
	var blockhash solana.Hash
	err := p.executeWithFailover(ctx, "get_latest_blockhash", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetLatestBlockhash(ctx, commitment)
		if err != nil {
			return err
		}
		blockhash = res.Value.Blockhash
		return nil
	})
	return blockhash, err
}

// sendTransaction submits a signed transaction with preflight simulation, so
// program errors surface as rejections before anything lands.
func (p *rpcPool) sendTransaction(ctx context.Context, tx *solana.Transaction, commitment rpc.CommitmentType) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, settleerrors.NewInternalError("send_transaction", "transaction has no signatures", nil)
	}
	sig := tx.Signatures[0]
	err := p.executeWithFailover(ctx, "send_transaction", func(ctx context.Context, c *rpc.Client) error {
		_, err := c.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: commitment,
		})
		return err
	})
	return sig, err
}

// signatureStatus reports whether sig reached commitment, and any on-chain error.
func (p *rpcPool) signatureStatus(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (bool, error) {
	var landed bool
	var txErr interface{}
	err := p.executeWithFailover(ctx, "get_signature_statuses", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return err
		}
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			landed = false
			return nil
		}
		st := res.Value[0]
		txErr = st.Err
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusFinalized:
			landed = true
		case rpc.ConfirmationStatusConfirmed:
			landed = commitment != rpc.CommitmentFinalized
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if txErr != nil {
		return false, settleerrors.NewRejectedError("get_signature_statuses", fmt.Sprintf("transaction %s failed: %v", sig, txErr), nil)
	}
	return landed, nil
}

// classifyRPCError maps RPC failures onto the settlement error taxonomy.
func classifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	var settleErr *settleerrors.SettleError
	if stderrors.As(err, &settleErr) {
		return err
	}
	if stderrors.Is(err, rpc.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ledger.ErrAccountNotFound)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return settleerrors.NewTimeoutError(op, "RPC call timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit") {
		return settleerrors.NewRateLimitError(op, err)
	}

	var rpcErr *jsonrpc.RPCError
	if stderrors.As(err, &rpcErr) {
		switch {
		case strings.Contains(msg, "custom program error"),
			strings.Contains(msg, "transaction simulation failed"),
			strings.Contains(msg, "instruction error"),
			strings.Contains(msg, "already in use"):
			return settleerrors.NewRejectedError(op, "transaction rejected by program", err)
		case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "node is behind"):
			return settleerrors.NewRPCError(op, "transient RPC error", err)
		}
		return settleerrors.NewRPCError(op, "RPC error", err)
	}

	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof") || strings.Contains(msg, "timeout") {
		return settleerrors.NewNetworkError(op, "RPC endpoint unreachable", err)
	}
	return settleerrors.NewRPCError(op, "RPC call failed", err)
}
