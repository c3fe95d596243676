// Package vault provisions the per-match multisig vault that escrows both
// stakes.
package vault

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/guess5/escrow-settler/settlementClient/audit"
	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/matchstore"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const (
	defaultThreshold = 2
	// a lost create-key race is retried from the top this many times
	maxProvisionRounds = 3
)

// Config holds the provisioner's dependencies.
type Config struct {
	Store     *matchstore.Store
	Ledger    ledger.Ledger
	Recorder  *audit.Recorder
	Metrics   *metrics.Metrics // optional
	Threshold int
	Logger    zerolog.Logger
}

// Result describes a provisioned vault.
type Result struct {
	VaultAddress   string
	DepositAddress string
	Members        []string
	Threshold      int
	Created        bool // false when an existing vault was reused
}

// Provisioner creates or reuses the multisig vault of a match.
type Provisioner struct {
	store     *matchstore.Store
	ledger    ledger.Ledger
	recorder  *audit.Recorder
	metrics   *metrics.Metrics
	threshold int
	logger    zerolog.Logger

	newKey func() (solana.PrivateKey, error)
}

// NewProvisioner creates a new provisioner.
func NewProvisioner(cfg Config) *Provisioner {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	return &Provisioner{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		threshold: threshold,
		logger:    cfg.Logger.With().Str("component", "vault_provisioner").Logger(),
		newKey:    solana.NewRandomPrivateKey,
	}
}

// Provision returns the match's vault, creating it if needed. An existing
// vault whose membership or threshold differs from {system, playerA, playerB}
// at the configured threshold is a config conflict and is never overwritten.
func (p *Provisioner) Provision(ctx context.Context, matchID string) (*Result, error) {
	for round := 0; round < maxProvisionRounds; round++ {
		res, err := p.provisionOnce(ctx, matchID)
		if stderrors.Is(err, matchstore.ErrConflict) {
			p.logger.Debug().Str("match_id", matchID).Int("round", round).Msg("lost create key race, retrying")
			continue
		}
		return res, err
	}
	return nil, settleerrors.NewInternalError("provision_vault",
		fmt.Sprintf("could not settle a create key for match %s", matchID), matchstore.ErrConflict)
}

func (p *Provisioner) provisionOnce(ctx context.Context, matchID string) (*Result, error) {
	const op = "provision_vault"

	m, err := p.store.GetMatch(matchID)
	if err != nil {
		if stderrors.Is(err, matchstore.ErrNotFound) {
			return nil, settleerrors.NewValidationError(op, fmt.Sprintf("unknown match %s", matchID))
		}
		return nil, settleerrors.NewDatabaseError(op, "failed to load match", err)
	}
	members := p.members(m)

	// Vault already bound: verify and return.
	if m.VaultAddress != "" {
		v, err := p.ledger.GetVault(ctx, m.VaultAddress)
		if err != nil {
			return nil, err
		}
		if err := p.checkVault(v, members); err != nil {
			return nil, err
		}
		return p.result(v, false), nil
	}

	// A persisted create key may already have produced a vault before a crash.
	if m.VaultCreateKey != "" {
		addr, _, err := p.ledger.DeriveVaultAddress(m.VaultCreateKey)
		if err != nil {
			return nil, err
		}
		v, err := p.ledger.GetVault(ctx, addr)
		switch {
		case err == nil:
			return p.bind(m, v, members, false)
		case !ledger.IsNotFound(err):
			return nil, err
		}
	}

	key, err := p.newKey()
	if err != nil {
		return nil, settleerrors.NewInternalError(op, "failed to generate create key", err)
	}
	createKey := key.PublicKey().String()
	if err := p.store.SetVaultCreateKey(matchID, m.VaultCreateKey, createKey); err != nil {
		return nil, err
	}
	m.VaultCreateKey = createKey

	v, err := p.ledger.CreateVault(ctx, key, members, p.threshold)
	if err != nil {
		if !settleerrors.IsCode(err, settleerrors.ErrCodeRejected) {
			p.metrics.IncVault("failed")
			return nil, err
		}
		// The create may have landed on an earlier attempt.
		addr, _, derr := p.ledger.DeriveVaultAddress(createKey)
		if derr != nil {
			return nil, err
		}
		existing, gerr := p.ledger.GetVault(ctx, addr)
		if gerr != nil {
			p.metrics.IncVault("failed")
			return nil, err
		}
		return p.bind(m, existing, members, false)
	}
	return p.bind(m, v, members, true)
}

// bind verifies v and records it on the match exactly once.
func (p *Provisioner) bind(m *store.Match, v *ledger.Vault, members []string, created bool) (*Result, error) {
	if err := p.checkVault(v, members); err != nil {
		p.metrics.IncVault("conflict")
		return nil, err
	}

	if err := p.store.SetVaultAddress(m.MatchID, m.VaultCreateKey, v.Address, v.DepositAddress); err != nil {
		if !stderrors.Is(err, matchstore.ErrConflict) {
			return nil, settleerrors.NewDatabaseError("provision_vault", "failed to bind vault", err)
		}
		current, gerr := p.store.GetMatch(m.MatchID)
		if gerr != nil {
			return nil, settleerrors.NewDatabaseError("provision_vault", "failed to reload match", gerr)
		}
		if current.VaultAddress != v.Address {
			if current.VaultAddress == "" {
				return nil, err
			}
			return nil, settleerrors.NewConfigConflictError("provision_vault",
				fmt.Sprintf("match %s is bound to vault %s, not %s", m.MatchID, current.VaultAddress, v.Address))
		}
		created = false
	}

	action, outcome := audit.ActionVaultReused, "reused"
	if created {
		action, outcome = audit.ActionVaultCreated, "created"
	}
	_ = p.recorder.Record(m.MatchID, "", action, map[string]any{
		"vault":      v.Address,
		"deposit":    v.DepositAddress,
		"create_key": v.CreateKey,
		"members":    v.Members,
		"threshold":  v.Threshold,
	})
	p.metrics.IncVault(outcome)

	p.logger.Info().
		Str("match_id", m.MatchID).
		Str("vault", v.Address).
		Str("deposit", v.DepositAddress).
		Bool("created", created).
		Msg("vault bound to match")
	return p.result(v, created), nil
}

func (p *Provisioner) members(m *store.Match) []string {
	return []string{p.ledger.SystemKey(), m.PlayerA, m.PlayerB}
}

func (p *Provisioner) checkVault(v *ledger.Vault, members []string) error {
	if v.Threshold != p.threshold || !sameMembers(v.Members, members) {
		return settleerrors.NewConfigConflictError("provision_vault",
			fmt.Sprintf("vault %s has members %v threshold %d, want %v threshold %d",
				v.Address, v.Members, v.Threshold, members, p.threshold))
	}
	return nil
}

func (p *Provisioner) result(v *ledger.Vault, created bool) *Result {
	return &Result{
		VaultAddress:   v.Address,
		DepositAddress: v.DepositAddress,
		Members:        append([]string(nil), v.Members...),
		Threshold:      v.Threshold,
		Created:        created,
	}
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
