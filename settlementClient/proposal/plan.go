package proposal

import (
	stderrors "errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
	"github.com/guess5/escrow-settler/settlementClient/ledger"
	"github.com/guess5/escrow-settler/settlementClient/store"
)

const bpsDenominator = 10_000

// ErrNothingToSettle is returned for a match with no confirmed deposit.
var ErrNothingToSettle = stderrors.New("no confirmed deposits to settle")

// FeePolicy is the platform fee schedule.
type FeePolicy struct {
	FeeWallet           string
	FeeBPS              uint64 // taken from the pot on a win
	PartialRefundFeeBPS uint64 // taken from each stake on a partial-refund tie
	NoPlayFeeBPS        uint64 // taken from each stake when a funded match is never played
}

// Plan is the kind and transfers a match outcome settles into.
type Plan struct {
	Kind      string
	Transfers []ledger.Transfer
}

// FinalMatchState is the match state reached once the plan executes.
func (p Plan) FinalMatchState() string {
	if p.Kind == store.ProposalKindRefund {
		return store.MatchStateRefunded
	}
	return store.MatchStateSettled
}

// BuildPlan derives the settlement transfers for a match outcome. A match
// with a single confirmed deposit is refunded to that player whatever the
// outcome.
func BuildPlan(m *store.Match, outcome string, fees FeePolicy) (Plan, error) {
	const op = "build_plan"
	stake := m.StakeLamports

	switch {
	case m.DepositAConfirmed && m.DepositBConfirmed:
	case m.DepositAConfirmed:
		return validated(m, Plan{Kind: store.ProposalKindRefund, Transfers: []ledger.Transfer{{Recipient: m.PlayerA, Lamports: stake}}})
	case m.DepositBConfirmed:
		return validated(m, Plan{Kind: store.ProposalKindRefund, Transfers: []ledger.Transfer{{Recipient: m.PlayerB, Lamports: stake}}})
	default:
		return Plan{}, ErrNothingToSettle
	}

	pot, carry := bits.Add64(stake, stake, 0)
	if carry != 0 {
		return Plan{}, settleerrors.NewInvalidInstructionError(op, "pot overflows")
	}

	var plan Plan
	switch outcome {
	case store.OutcomeWinA, store.OutcomeWinB:
		winner := m.PlayerA
		if outcome == store.OutcomeWinB {
			winner = m.PlayerB
		}
		fee := bpsOf(pot, fees.FeeBPS)
		plan = Plan{Kind: store.ProposalKindPayout, Transfers: []ledger.Transfer{{Recipient: winner, Lamports: pot - fee}}}
		plan.Transfers = appendFee(plan.Transfers, fees.FeeWallet, fee)
	case store.OutcomeTieFullRefund:
		plan = refundBoth(m, 0, fees.FeeWallet)
	case store.OutcomeTiePartialRefund:
		plan = refundBoth(m, bpsOf(stake, fees.PartialRefundFeeBPS), fees.FeeWallet)
	case store.OutcomeNoPlay:
		plan = refundBoth(m, bpsOf(stake, fees.NoPlayFeeBPS), fees.FeeWallet)
	default:
		return Plan{}, settleerrors.NewValidationError(op, fmt.Sprintf("unknown outcome %q", outcome))
	}
	return validated(m, plan)
}

// ValidateTransfers rejects plans the program could never execute: zero or
// overflowing amounts, invalid recipients, or more than the vault holds.
func ValidateTransfers(transfers []ledger.Transfer, available uint64) error {
	const op = "validate_plan"
	if len(transfers) == 0 {
		return settleerrors.NewInvalidInstructionError(op, "empty transfer plan")
	}
	for i, t := range transfers {
		if t.Lamports == 0 {
			return settleerrors.NewInvalidInstructionError(op, fmt.Sprintf("transfer %d has zero amount", i))
		}
		if _, err := solana.PublicKeyFromBase58(t.Recipient); err != nil {
			return settleerrors.NewInvalidInstructionError(op, fmt.Sprintf("transfer %d has invalid recipient %q", i, t.Recipient))
		}
	}
	total, ok := ledger.TotalLamports(transfers)
	if !ok {
		return settleerrors.NewInvalidInstructionError(op, "transfer total overflows")
	}
	if total > available {
		return settleerrors.NewInvalidInstructionError(op,
			fmt.Sprintf("transfers total %d exceeds deposits %d", total, available))
	}
	return nil
}

// Deposited is the total of m's confirmed stakes.
func Deposited(m *store.Match) (uint64, error) {
	hi, deposited := bits.Mul64(m.StakeLamports, uint64(m.ConfirmedDeposits()))
	if hi != 0 {
		return 0, settleerrors.NewInvalidInstructionError("validate_plan", "deposits overflow")
	}
	return deposited, nil
}

func validated(m *store.Match, plan Plan) (Plan, error) {
	deposited, err := Deposited(m)
	if err != nil {
		return Plan{}, err
	}
	if err := ValidateTransfers(plan.Transfers, deposited); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// refundBoth returns each stake minus fee to its player and both fees to the
// fee wallet.
func refundBoth(m *store.Match, fee uint64, wallet string) Plan {
	plan := Plan{Kind: store.ProposalKindRefund, Transfers: []ledger.Transfer{
		{Recipient: m.PlayerA, Lamports: m.StakeLamports - fee},
		{Recipient: m.PlayerB, Lamports: m.StakeLamports - fee},
	}}
	plan.Transfers = appendFee(plan.Transfers, wallet, 2*fee)
	return plan
}

func appendFee(transfers []ledger.Transfer, wallet string, fee uint64) []ledger.Transfer {
	if fee == 0 {
		return transfers
	}
	return append(transfers, ledger.Transfer{Recipient: wallet, Lamports: fee})
}

// bpsOf returns amount*bps/10000 without intermediate overflow. bps must not
// exceed 10000.
func bpsOf(amount, bps uint64) uint64 {
	if bps > bpsDenominator {
		bps = bpsDenominator
	}
	hi, lo := bits.Mul64(amount, bps)
	q, _ := bits.Div64(hi, lo, bpsDenominator)
	return q
}
