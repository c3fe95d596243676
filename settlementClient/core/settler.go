// Package core wires the settlement components together and exposes the
// inbound API used by the game server.
package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	"github.com/guess5/escrow-settler/settlementClient/balance"
	"github.com/guess5/escrow-settler/settlementClient/collector"
	"github.com/guess5/escrow-settler/settlementClient/config"
	"github.com/guess5/escrow-settler/settlementClient/cron"
	"github.com/guess5/escrow-settler/settlementClient/db"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/executor"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/proposal"
	"github.com/guess5/escrow-settler/settlementClient/store"
	"github.com/guess5/escrow-settler/settlementClient/supervisor"
	"github.com/guess5/escrow-settler/settlementClient/syncer"
	"github.com/guess5/escrow-settler/settlementClient/vault"
)

// Job names.
const (
	JobSync    = "sync"
	JobBalance = "balance"
	JobStuck   = "stuck_executions"
)

// Config holds the settler's dependencies.
type Config struct {
	Settings *config.Config
	DB       *db.DB
	Ledger   ledger.Ledger
	Bus      *audit.Bus       // optional; a new bus is created when nil
	Metrics  *metrics.Metrics // optional; a new bundle is created when nil
	Logger   zerolog.Logger
}

// MatchInfo describes a newly created match.
type MatchInfo struct {
	MatchID       string
	PlayerA       string
	PlayerB       string
	StakeLamports uint64
}

// Settler is the settlement engine for one system member key.
type Settler struct {
	settings *config.Config
	db       *db.DB
	ledger   ledger.Ledger
	store    *matchstore.Store
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	fees     proposal.FeePolicy
	logger   zerolog.Logger

	provisioner *vault.Provisioner
	factory     *proposal.Factory
	collector   *collector.Collector
	syncer      *syncer.Syncer
	executor    *executor.Executor
	balance     *balance.Worker
	supervisor  *supervisor.Supervisor
}

// New builds the settler and its pollers. Nothing runs until Start.
func New(cfg Config) (*Settler, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	settings := cfg.Settings
	logger := cfg.Logger.With().Str("component", "settler").Logger()

	bus := cfg.Bus
	if bus == nil {
		bus = audit.NewBus()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	retry := settings.RetryPolicy()
	chain := ledger.WithRetry(cfg.Ledger, retry, cfg.Logger)
	matches := matchstore.NewStore(cfg.DB.Client(), cfg.Logger)
	recorder := audit.NewRecorder(cfg.DB.Client(), bus, cfg.Logger)

	feeWallet := settings.FeeWallet
	if feeWallet == "" {
		feeWallet = chain.SystemKey()
	}

	s := &Settler{
		settings: settings,
		db:       cfg.DB,
		ledger:   chain,
		store:    matches,
		recorder: recorder,
		metrics:  m,
		fees: proposal.FeePolicy{
			FeeWallet:           feeWallet,
			FeeBPS:              settings.FeeBPS,
			PartialRefundFeeBPS: settings.PartialRefundFeeBPS,
			NoPlayFeeBPS:        settings.NoPlayFeeBPS,
		},
		logger: logger,
	}

	s.provisioner = vault.NewProvisioner(vault.Config{
		Store:     matches,
		Ledger:    chain,
		Recorder:  recorder,
		Metrics:   m,
		Threshold: settings.Threshold,
		Logger:    cfg.Logger,
	})
	s.factory = proposal.NewFactory(proposal.Config{
		Store:      matches,
		Ledger:     chain,
		Recorder:   recorder,
		Metrics:    m,
		SyncWindow: settings.SyncWindow,
		Logger:     cfg.Logger,
	})
	s.executor = executor.New(executor.Config{
		Store:           matches,
		Ledger:          chain,
		Recorder:        recorder,
		Metrics:         m,
		Retry:           retry,
		ConfirmInterval: settings.ConfirmPollInterval(),
		ConfirmAttempts: settings.ConfirmPollAttempts,
		Logger:          cfg.Logger,
	})
	s.syncer = syncer.New(syncer.Config{
		Store:         matches,
		Ledger:        chain,
		Recorder:      recorder,
		Handoff:       s.executor,
		Metrics:       m,
		SyncWindow:    settings.SyncWindow,
		MaxConcurrent: settings.MaxConcurrentSyncs,
		Logger:        cfg.Logger,
	})
	s.collector = collector.New(collector.Config{
		Store:      matches,
		Ledger:     chain,
		Recorder:   recorder,
		Reconciler: s.syncer,
		Retry:      retry,
		Metrics:    m,
		SyncWindow: settings.SyncWindow,
		Logger:     cfg.Logger,
	})
	s.balance = balance.NewWorker(balance.Config{
		Store:     matches,
		Ledger:    chain,
		Recorder:  recorder,
		Metrics:   m,
		Tolerance: settings.BalanceToleranceLamports(),
		Logger:    cfg.Logger,
	})

	s.supervisor = supervisor.New(cfg.Logger,
		s.newJob(JobSync, settings.SyncInterval(), s.syncPass),
		s.newJob(JobBalance, settings.BalanceInterval(), func(ctx context.Context) error {
			_, err := s.balance.RunOnce(ctx)
			return err
		}),
		s.newJob(JobStuck, settings.StuckCheckInterval(), func(ctx context.Context) error {
			_, err := s.executor.DetectStuck(ctx)
			return err
		}),
	)
	return s, nil
}

func (s *Settler) newJob(name string, interval time.Duration, run cron.RunFunc) *cron.Job {
	return cron.NewJob(cron.Config{
		Name:          name,
		Run:           run,
		Interval:      interval,
		PerRunTimeout: s.settings.PerRunTimeout(),
		RunOnStart:    true,
		Metrics:       s.metrics,
		Logger:        s.logger,
	})
}

// Start resets executions a previous process left in flight and starts the
// pollers.
func (s *Settler) Start(ctx context.Context) error {
	n, err := s.executor.ResetInFlight()
	if err != nil {
		return settleerrors.NewDatabaseError("start", "failed to reset in-flight executions", err)
	}
	if n > 0 {
		s.logger.Warn().Int64("proposals", n).Msg("reset executions left in flight")
	}
	return s.supervisor.StartAll(ctx)
}

// Stop stops the pollers. Runs in progress finish first.
func (s *Settler) Stop() {
	s.supervisor.StopAll()
}

// Restart stops the pollers and starts them again after the configured delay.
func (s *Settler) Restart(ctx context.Context) error {
	return s.supervisor.Restart(ctx, s.settings.RestartDelay())
}

// Status returns the pollers' status.
func (s *Settler) Status() supervisor.Snapshot {
	return s.supervisor.Status()
}

// Ping checks the database.
func (s *Settler) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Metrics returns the collector bundle.
func (s *Settler) Metrics() *metrics.Metrics {
	return s.metrics
}

// Subscribe returns a channel of outbound settlement events.
func (s *Settler) Subscribe(buffer int) (<-chan audit.Event, func()) {
	return s.recorder.Bus().Subscribe(buffer)
}

// AuditTrail returns the audit entries of a match, oldest first.
func (s *Settler) AuditTrail(matchID string) ([]store.AuditEntry, error) {
	return s.recorder.Entries(matchID)
}

// ProposalHistory returns every proposal tracked for a match, newest first,
// including archived and closed ones.
func (s *Settler) ProposalHistory(matchID string) ([]store.Proposal, error) {
	const op = "proposal_history"
	if _, err := s.match(op, matchID); err != nil {
		return nil, err
	}
	proposals, err := s.store.ProposalsForMatch(matchID)
	if err != nil {
		return nil, settleerrors.NewDatabaseError(op, "failed to list proposals", err)
	}
	return proposals, nil
}

// OnMatchCreated stores a new match and provisions its vault. Calling it again
// for the same match returns the existing vault.
func (s *Settler) OnMatchCreated(ctx context.Context, info MatchInfo) (*vault.Result, error) {
	const op = "on_match_created"
	if err := s.validateMatch(info); err != nil {
		return nil, settleerrors.NewValidationError(op, err.Error())
	}
	if _, err := s.store.CreateMatch(&store.Match{
		MatchID:       info.MatchID,
		PlayerA:       info.PlayerA,
		PlayerB:       info.PlayerB,
		StakeLamports: info.StakeLamports,
	}); err != nil {
		if stderrors.Is(err, matchstore.ErrConflict) {
			return nil, settleerrors.NewValidationError(op, err.Error())
		}
		return nil, settleerrors.NewDatabaseError(op, "failed to store match", err)
	}
	return s.provisioner.Provision(ctx, info.MatchID)
}

func (s *Settler) validateMatch(info MatchInfo) error {
	if info.MatchID == "" {
		return fmt.Errorf("match id is required")
	}
	if info.StakeLamports == 0 {
		return fmt.Errorf("stake must be positive")
	}
	for _, p := range []string{info.PlayerA, info.PlayerB} {
		if _, err := solana.PublicKeyFromBase58(p); err != nil {
			return fmt.Errorf("player %q is not a valid public key", p)
		}
	}
	if info.PlayerA == info.PlayerB {
		return fmt.Errorf("players must differ")
	}
	if system := s.ledger.SystemKey(); info.PlayerA == system || info.PlayerB == system {
		return fmt.Errorf("player cannot be the system member")
	}
	return nil
}

// OnDepositConfirmed records that a player's stake reached the vault.
func (s *Settler) OnDepositConfirmed(ctx context.Context, matchID, player string) (*store.Match, error) {
	const op = "on_deposit_confirmed"
	m, err := s.match(op, matchID)
	if err != nil {
		return nil, err
	}
	var already bool
	switch player {
	case m.PlayerA:
		already = m.DepositAConfirmed
	case m.PlayerB:
		already = m.DepositBConfirmed
	default:
		return nil, settleerrors.NewValidationError(op, fmt.Sprintf("%s is not a player in match %s", player, matchID))
	}
	if already {
		return m, nil
	}

	m, err = s.store.ConfirmDeposit(matchID, player)
	if err != nil {
		return nil, settleerrors.NewDatabaseError(op, "failed to confirm deposit", err)
	}
	_ = s.recorder.Record(matchID, "", audit.ActionDepositConfirmed, map[string]any{
		"player":    player,
		"confirmed": m.ConfirmedDeposits(),
		"state":     m.State,
	})
	s.logger.Info().
		Str("match_id", matchID).
		Str("player", player).
		Int("confirmed", m.ConfirmedDeposits()).
		Msg("deposit confirmed")
	return m, nil
}

// OnMatchSettled records the outcome and drives the match to an approved
// settlement proposal: the plan is built, a proposal created or reused, and
// the system approval added. A match without deposits is closed as refunded
// with no proposal, and nil is returned.
func (s *Settler) OnMatchSettled(ctx context.Context, matchID, outcome string) (*store.Proposal, error) {
	const op = "on_match_settled"
	m, err := s.match(op, matchID)
	if err != nil {
		return nil, err
	}
	if m.IsFinal() {
		if m.Outcome != outcome {
			return nil, settleerrors.NewValidationError(op,
				fmt.Sprintf("match %s already settled with outcome %s", matchID, m.Outcome))
		}
		return s.currentProposal(m)
	}

	// Outcome and deposits are checked before anything is stored.
	if _, err := proposal.BuildPlan(m, outcome, s.fees); err != nil && !stderrors.Is(err, proposal.ErrNothingToSettle) {
		return nil, err
	}
	m, err = s.store.RecordOutcome(matchID, outcome)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrConflict) {
			return nil, settleerrors.NewValidationError(op, err.Error())
		}
		return nil, settleerrors.NewDatabaseError(op, "failed to record outcome", err)
	}
	return s.settle(ctx, m)
}

// settle builds the plan for a SETTLING match and brings its proposal to
// the point where only player approvals are missing.
func (s *Settler) settle(ctx context.Context, m *store.Match) (*store.Proposal, error) {
	log := s.logger.With().Str("match_id", m.MatchID).Logger()

	plan, err := proposal.BuildPlan(m, m.Outcome, s.fees)
	if stderrors.Is(err, proposal.ErrNothingToSettle) {
		if err := s.store.FinalizeMatch(m.MatchID, store.MatchStateRefunded); err != nil {
			return nil, settleerrors.NewDatabaseError("settle", "failed to close match", err)
		}
		log.Info().Str("outcome", m.Outcome).Msg("no deposits to settle; match closed as refunded")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p, err := s.factory.CreateOrReuse(ctx, m.MatchID, plan.Kind, plan.Transfers)
	if err != nil {
		return nil, err
	}
	if p.Status != store.ProposalStatusActive {
		return p, nil
	}
	return s.collector.AddSystemSignature(ctx, m.MatchID)
}

// OnPlayerSignature records a player's approval. The proposal the player
// claims to have signed is not trusted; see collector.RecordPlayerSignature.
func (s *Settler) OnPlayerSignature(ctx context.Context, matchID string, sig collector.PlayerSignature) (*store.Proposal, error) {
	return s.collector.RecordPlayerSignature(ctx, matchID, sig)
}

// syncPass resumes half-finished settlements and reconciles every settling
// match.
func (s *Settler) syncPass(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}
	_, err := s.syncer.SyncAll(ctx)
	return err
}

// resume retries the steps of OnMatchSettled for settling matches that have
// no proposal yet, whose proposal still lacks the system approval, or whose
// proposal was rejected or cancelled on-chain.
func (s *Settler) resume(ctx context.Context) error {
	matches, err := s.store.ListMatchesByState(store.MatchStateSettling)
	if err != nil {
		return settleerrors.NewDatabaseError("resume", "failed to list settling matches", err)
	}
	system := s.ledger.SystemKey()
	for i := range matches {
		m := &matches[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := s.logger.With().Str("match_id", m.MatchID).Logger()

		if m.ProposalAddress == "" {
			if _, err := s.settle(ctx, m); err != nil {
				log.Warn().Err(err).Msg("failed to resume settlement")
			}
			continue
		}

		p, err := s.store.GetProposal(m.ProposalAddress)
		if err != nil {
			log.Warn().Err(err).Str("proposal", m.ProposalAddress).Msg("failed to load tracked proposal")
			continue
		}
		switch p.Status {
		case store.ProposalStatusRejected, store.ProposalStatusCancelled:
			s.replace(ctx, m, p)
		case store.ProposalStatusActive:
			if p.HasSigner(system) {
				continue
			}
			if _, err := s.settle(ctx, m); err != nil {
				log.Warn().Err(err).Msg("failed to resume settlement")
			}
		case store.ProposalStatusSignatureVerificationFailed:
			// A flagged proposal is only re-pointed once a fully approved one
			// exists, so the system approval must still land on it.
			if p.HasSigner(system) {
				continue
			}
			if _, err := s.collector.AddSystemSignature(ctx, m.MatchID); err != nil {
				log.Warn().Err(err).Str("proposal", p.Address).Msg("failed to add system signature to flagged proposal")
			}
		}
	}
	return nil
}

// replace settles a match again after its tracked proposal closed on-chain
// without executing.
func (s *Settler) replace(ctx context.Context, m *store.Match, closed *store.Proposal) {
	log := s.logger.With().Str("match_id", m.MatchID).Str("proposal", closed.Address).Logger()
	log.Warn().Str("status", closed.Status).Msg("tracked proposal closed without executing; creating a replacement")

	next, err := s.settle(ctx, m)
	detail := map[string]any{
		"closed":          closed.Address,
		"closed_sequence": closed.Sequence,
		"closed_status":   closed.Status,
	}
	if err != nil {
		detail["error"] = err.Error()
		log.Warn().Err(err).Msg("failed to replace closed proposal")
	} else if next != nil {
		detail["replacement"] = next.Address
		detail["replacement_sequence"] = next.Sequence
	}
	_ = s.recorder.Record(m.MatchID, closed.Address, audit.ActionProposalReplaced, detail)
	s.metrics.IncRepair()
}

func (s *Settler) match(op, matchID string) (*store.Match, error) {
	m, err := s.store.GetMatch(matchID)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrNotFound) {
			return nil, settleerrors.NewValidationError(op, fmt.Sprintf("unknown match %s", matchID))
		}
		return nil, settleerrors.NewDatabaseError(op, "failed to load match", err)
	}
	return m, nil
}

func (s *Settler) currentProposal(m *store.Match) (*store.Proposal, error) {
	if m.ProposalAddress == "" {
		return nil, nil
	}
	p, err := s.store.GetProposal(m.ProposalAddress)
	if err != nil {
		return nil, settleerrors.NewDatabaseError("current_proposal", "failed to load proposal", err)
	}
	return p, nil
}
