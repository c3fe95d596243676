// Package executor drives approved settlement proposals to on-chain execution
// and finalizes the match once the transfers have landed.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const (
	defaultConfirmInterval = 2 * time.Second
	defaultConfirmAttempts = 15
)

// Config holds the executor's dependencies.
type Config struct {
	Store           *matchstore.Store
	Ledger          ledger.Ledger
	Recorder        *audit.Recorder
	Metrics         *metrics.Metrics // optional
	Retry           *settleerrors.RetryPolicy
	ConfirmInterval time.Duration
	ConfirmAttempts int
	Logger          zerolog.Logger
}

// Executor submits execute transactions for approved proposals.
type Executor struct {
	store           *matchstore.Store
	ledger          ledger.Ledger
	recorder        *audit.Recorder
	metrics         *metrics.Metrics
	retry           *settleerrors.RetryPolicy
	confirmInterval time.Duration
	confirmAttempts int
	logger          zerolog.Logger

	group singleflight.Group
	now   func() time.Time
}

// New creates a new executor.
func New(cfg Config) *Executor {
	retry := cfg.Retry
	if retry == nil {
		retry = settleerrors.DefaultRetryPolicy()
	}
	interval := cfg.ConfirmInterval
	if interval <= 0 {
		interval = defaultConfirmInterval
	}
	attempts := cfg.ConfirmAttempts
	if attempts <= 0 {
		attempts = defaultConfirmAttempts
	}
	return &Executor{
		store:           cfg.Store,
		ledger:          cfg.Ledger,
		recorder:        cfg.Recorder,
		metrics:         cfg.Metrics,
		retry:           retry,
		confirmInterval: interval,
		confirmAttempts: attempts,
		logger:          cfg.Logger.With().Str("component", "executor").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Execute executes the match's tracked proposal. A proposal the ledger
// already shows as executed is finalized locally without resubmission.
// Concurrent calls for one match share a single run.
func (e *Executor) Execute(ctx context.Context, matchID string) error {
	_, err, _ := e.group.Do(matchID, func() (any, error) {
		return nil, e.execute(ctx, matchID)
	})
	return err
}

func (e *Executor) execute(ctx context.Context, matchID string) error {
	const op = "execute"
	log := e.logger.With().Str("match_id", matchID).Logger()

	m, err := e.store.GetMatch(matchID)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrNotFound) {
			return settleerrors.NewValidationError(op, fmt.Sprintf("unknown match %s", matchID))
		}
		return settleerrors.NewDatabaseError(op, "failed to load match", err)
	}
	if m.ProposalAddress == "" {
		return settleerrors.NewSettleError(settleerrors.ErrCodeNotReady, op,
			fmt.Sprintf("match %s has no proposal", matchID), nil)
	}
	local, err := e.store.GetProposal(m.ProposalAddress)
	if err != nil {
		return settleerrors.NewDatabaseError(op, "failed to load proposal", err)
	}

	// Idempotency guard: the ledger is asked first.
	onchain, err := e.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence)
	if err != nil {
		return err
	}
	switch onchain.Status {
	case ledger.StatusExecuted:
		log.Info().Str("proposal", local.Address).Msg("proposal already executed on-chain")
		return e.finish(m, local, "")
	case ledger.StatusApproved, ledger.StatusExecuting:
	default:
		return settleerrors.NewSettleError(settleerrors.ErrCodeNotReady, op,
			fmt.Sprintf("proposal %s is %s on-chain", local.Address, onchain.Status), nil)
	}
	if local.Status == store.ProposalStatusApproved {
		if err := e.store.TransitionProposal(local.Address,
			[]string{store.ProposalStatusApproved}, store.ProposalStatusReadyToExecute, nil,
		); err != nil && !stderrors.Is(err, matchstore.ErrConflict) {
			return settleerrors.NewDatabaseError(op, "failed to mark proposal ready", err)
		}
	}

	var txID string
	attempt := &settleerrors.RetryOperation{
		Name:   "execute_proposal",
		Policy: e.retry,
		Fn: func() error {
			id, err := e.attempt(ctx, m, local)
			if id != "" {
				txID = id
			}
			return err
		},
		OnRetry: func(n int, err error, wait time.Duration) {
			log.Warn().
				Err(err).
				Int("attempt", n).
				Dur("backoff", wait).
				Str("proposal", local.Address).
				Msg("execute attempt failed, backing off")
			_ = e.store.UpdateProposal(local.Address, map[string]any{"last_error": err.Error()})
		},
	}
	err = attempt.Execute(ctx)
	if err == nil {
		return e.finish(m, local, txID)
	}
	return e.fail(m, local, err)
}

// attempt runs one guarded submission: re-check, record, submit, confirm.
func (e *Executor) attempt(ctx context.Context, m *store.Match, local *store.Proposal) (string, error) {
	onchain, err := e.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence)
	if err != nil {
		return "", err
	}
	switch onchain.Status {
	case ledger.StatusExecuted:
		return "", nil
	case ledger.StatusApproved, ledger.StatusExecuting:
	default:
		return "", settleerrors.NewRejectedError("execute_proposal",
			fmt.Sprintf("proposal %s became %s", local.Address, onchain.Status), nil)
	}

	if err := e.store.RecordExecutionAttempt(local.Address, e.now()); err != nil {
		return "", settleerrors.NewDatabaseError("execute_proposal", "failed to record attempt", err)
	}
	_ = e.recorder.Record(m.MatchID, local.Address, audit.ActionExecutionAttempted, nil)

	txID, err := e.ledger.ExecuteProposal(ctx, m.VaultAddress, m.ProposalSequence)
	if err != nil {
		e.metrics.IncExecution("error")
		// A submission can land even when its response is lost.
		if p, gerr := e.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence); gerr == nil && p.Status == ledger.StatusExecuted {
			e.logger.Warn().
				Err(err).
				Str("match_id", m.MatchID).
				Str("proposal", local.Address).
				Str("tx_id", txID).
				Msg("execution landed despite submission error")
			return txID, nil
		}
		return txID, err
	}
	e.metrics.IncExecution("submitted")

	if err := e.confirm(ctx, m); err != nil {
		return txID, err
	}
	return txID, nil
}

// confirm polls the ledger until the proposal shows as executed.
func (e *Executor) confirm(ctx context.Context, m *store.Match) error {
	for i := 0; i < e.confirmAttempts; i++ {
		p, err := e.ledger.GetProposal(ctx, m.VaultAddress, m.ProposalSequence)
		if err == nil && p.Status == ledger.StatusExecuted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.confirmInterval):
		}
	}
	return settleerrors.NewTimeoutError("confirm_execution",
		fmt.Sprintf("execution of %s not confirmed after %d polls", m.ProposalAddress, e.confirmAttempts), nil)
}

func (e *Executor) finish(m *store.Match, local *store.Proposal, txID string) error {
	const op = "finish_execution"
	wasExecuted := local.Status == store.ProposalStatusExecuted

	if err := e.store.MarkExecuted(local.Address, txID, e.now()); err != nil && !stderrors.Is(err, matchstore.ErrImmutable) {
		return settleerrors.NewDatabaseError(op, "failed to mark proposal executed", err)
	}
	final := store.MatchStateSettled
	if local.Kind == store.ProposalKindRefund {
		final = store.MatchStateRefunded
	}
	if err := e.store.FinalizeMatch(m.MatchID, final); err != nil {
		return settleerrors.NewDatabaseError(op, "failed to finalize match", err)
	}
	if wasExecuted && m.State == final {
		return nil
	}
	if txID == "" {
		e.logger.Warn().
			Str("match_id", m.MatchID).
			Str("proposal", local.Address).
			Msg("execution transaction id unknown")
	}

	_ = e.recorder.Record(m.MatchID, local.Address, audit.ActionExecutionSucceeded, map[string]any{
		"tx_id":       txID,
		"match_state": final,
	})
	e.recorder.Publish(audit.EventProposalExecuted, m.MatchID, local.Address, map[string]any{
		"tx_id":       txID,
		"match_state": final,
	})
	e.metrics.IncExecution("confirmed")
	e.logger.Info().
		Str("match_id", m.MatchID).
		Str("proposal", local.Address).
		Str("tx_id", txID).
		Str("match_state", final).
		Msg("settlement executed")
	return nil
}

// fail returns the proposal to READY_TO_EXECUTE so a later pass can retry.
func (e *Executor) fail(m *store.Match, local *store.Proposal, err error) error {
	if terr := e.store.TransitionProposal(local.Address,
		[]string{store.ProposalStatusExecuting, store.ProposalStatusApproved, store.ProposalStatusReadyToExecute},
		store.ProposalStatusReadyToExecute,
		map[string]any{"last_error": err.Error()},
	); terr != nil {
		e.logger.Warn().Err(terr).Str("proposal", local.Address).Msg("failed to reset proposal after execution failure")
	}

	if settleerrors.IsCode(err, settleerrors.ErrCodeExhausted) {
		_ = e.recorder.Record(m.MatchID, local.Address, audit.ActionExecutionExhausted, map[string]any{
			"error": err.Error(),
		})
		e.recorder.Publish(audit.EventExecutionExhausted, m.MatchID, local.Address, map[string]any{
			"error": err.Error(),
		})
		e.metrics.IncExhausted()
		e.logger.Error().
			Err(err).
			Str("match_id", m.MatchID).
			Str("proposal", local.Address).
			Msg("execution retry budget exhausted; proposal left READY_TO_EXECUTE")
		return err
	}

	_ = e.recorder.Record(m.MatchID, local.Address, audit.ActionExecutionFailed, map[string]any{
		"error": err.Error(),
		"code":  string(settleerrors.CodeOf(err)),
	})
	e.logger.Error().Err(err).Str("match_id", m.MatchID).Str("proposal", local.Address).Msg("execution failed")
	return err
}

// ResetInFlight returns proposals left EXECUTING by a previous process to
// READY_TO_EXECUTE. Call it before any execution starts.
func (e *Executor) ResetInFlight() (int64, error) {
	return e.store.ResetExecutingToReady()
}

// DetectStuck logs proposals that spent their attempt budget without
// executing and returns them.
func (e *Executor) DetectStuck(ctx context.Context) ([]store.Proposal, error) {
	pending, err := e.store.ListProposalsByStatus(store.ProposalStatusReadyToExecute, store.ProposalStatusExecuting)
	if err != nil {
		return nil, settleerrors.NewDatabaseError("detect_stuck", "failed to list pending executions", err)
	}

	budget := e.retry.MaxAttempts
	var stuck []store.Proposal
	for _, p := range pending {
		if ctx.Err() != nil {
			return stuck, ctx.Err()
		}
		if p.ExecutionAttempts < budget {
			continue
		}
		stuck = append(stuck, p)
		ev := e.logger.Error().
			Str("match_id", p.MatchID).
			Str("proposal", p.Address).
			Int("attempts", p.ExecutionAttempts).
			Str("last_error", p.LastError)
		if p.LastExecutionAttemptAt != nil {
			ev = ev.Time("last_attempt_at", *p.LastExecutionAttemptAt)
		}
		ev.Msg("proposal stuck awaiting execution")
	}
	return stuck, nil
}
