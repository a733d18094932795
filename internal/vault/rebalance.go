package vault

import (
	"context"
	"errors"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/atmx/yield-vault/internal/conversion"
	"github.com/atmx/yield-vault/internal/model"
)

// Best-effort rebalance call sites, used in logs and events.
const (
	stepPushAfterDeposit  = "push_after_deposit"
	stepPullAfterWithdraw = "pull_after_withdraw"
	stepManualRebalance   = "manual_rebalance"
)

// RebalanceResult describes one push or pull. Moved is measured from the
// vault's local balance, not taken from the strategy's report.
type RebalanceResult struct {
	Direction string
	Requested math.Int
	Moved     math.Int
	Local     math.Int // local balance before the move
	Target    math.Int
}

// Noop reports whether nothing was moved.
func (r RebalanceResult) Noop() bool { return r.Moved.IsNil() || r.Moved.IsZero() }

// push sends local liquidity above target to the strategy. It reports
// every failure; whether to propagate is the caller's decision.
func (v *Vault) push(ctx context.Context) (RebalanceResult, error) {
	cfg := v.config()
	res := RebalanceResult{Direction: model.DirectionToStrategy, Requested: math.ZeroInt(), Moved: math.ZeroInt()}
	if cfg.strategy == nil {
		return res, ErrNoStrategy
	}
	b, err := v.readBalances(ctx, cfg.strategy)
	if err != nil {
		return res, err
	}
	total := b.total()
	if total.IsZero() {
		return res, errorsmod.Wrap(ErrZeroManagedValue, "nothing to rebalance")
	}
	target, err := conversion.ApplyBPS(total, cfg.params.TargetLiquidityBPS)
	if err != nil {
		return res, err
	}
	res.Local, res.Target = b.local, target
	if b.local.LTE(target) {
		return res, nil
	}
	excess := b.local.Sub(target)
	res.Requested = excess
	if !cfg.strategy.IsActive(ctx) {
		return res, ErrStrategyInactive
	}
	moved, err := v.sendToStrategy(ctx, cfg.strategy, excess)
	res.Moved = moved
	return res, err
}

// sendToStrategy approves and deposits amount, then revokes whatever
// approval is left. It returns the measured decrease of local balance.
func (v *Vault) sendToStrategy(ctx context.Context, s Strategy, amount math.Int) (math.Int, error) {
	before := v.ledger.BalanceOf(v.account)
	spender := s.Account()
	if err := v.ledger.Approve(v.account, spender, amount); err != nil {
		return math.ZeroInt(), errorsmod.Wrapf(ErrAssetTransfer, "approve strategy: %v", err)
	}
	_, depErr := s.Deposit(ctx, amount)
	if err := v.ledger.Approve(v.account, spender, math.ZeroInt()); err != nil {
		v.log.Error().Err(err).Str("spender", spender).Msg("revoke strategy approval")
	}
	moved := measured(before, v.ledger.BalanceOf(v.account))
	if depErr != nil {
		return moved, errorsmod.Wrapf(ErrStrategyCall, "deposit %s: %v", amount, depErr)
	}
	return moved, nil
}

// pullCheck tops local liquidity back up to target once the local ratio
// falls below the lower band. A short return from the strategy is not an
// error here.
func (v *Vault) pullCheck(ctx context.Context) (RebalanceResult, error) {
	cfg := v.config()
	res := RebalanceResult{Direction: model.DirectionFromStrategy, Requested: math.ZeroInt(), Moved: math.ZeroInt()}
	if cfg.strategy == nil {
		return res, ErrNoStrategy
	}
	b, err := v.readBalances(ctx, cfg.strategy)
	if err != nil {
		return res, err
	}
	total := b.total()
	if total.IsZero() {
		return res, nil
	}
	ratio, err := conversion.RatioBPS(b.local, total)
	if err != nil {
		return res, err
	}
	target, err := conversion.ApplyBPS(total, cfg.params.TargetLiquidityBPS)
	if err != nil {
		return res, err
	}
	res.Local, res.Target = b.local, target
	if ratio >= cfg.params.LowerBandBPS() || b.local.GTE(target) {
		return res, nil
	}

	want := target.Sub(b.local)
	res.Requested = want
	if _, err := cfg.strategy.Withdraw(ctx, want); err != nil {
		res.Moved = measured(v.ledger.BalanceOf(v.account), b.local)
		return res, errorsmod.Wrapf(ErrStrategyCall, "withdraw %s: %v", want, err)
	}
	res.Moved = measured(v.ledger.BalanceOf(v.account), b.local)
	return res, nil
}

// forcePull brings exactly amount from the strategy into local balance or
// fails. Both the strategy's report and the measured balance change must
// cover the request. A partial return is sent back to the strategy so the
// failed withdrawal leaves allocation as it found it.
func (v *Vault) forcePull(ctx context.Context, s Strategy, amount math.Int) error {
	before := v.ledger.BalanceOf(v.account)
	reported, err := s.Withdraw(ctx, amount)
	received := measured(v.ledger.BalanceOf(v.account), before)
	if err == nil && !reported.IsNil() && reported.GTE(amount) && received.GTE(amount) {
		return nil
	}

	if received.IsPositive() {
		if _, rerr := v.sendToStrategy(ctx, s, received); rerr != nil {
			// The funds stay local and remain part of managed value.
			v.log.Warn().Err(rerr).Str("amount", received.String()).Msg("return partial pull to strategy")
		}
	}
	if err != nil {
		return errorsmod.Wrapf(ErrStrategyCall, "withdraw %s: %v", amount, err)
	}
	return errorsmod.Wrapf(ErrInsufficientStrategyLiquidity,
		"requested %s, reported %s, received %s", amount, fmtInt(reported), received)
}

// settle absorbs the outcome of a best-effort rebalance.
func (v *Vault) settle(ctx context.Context, step string, res RebalanceResult, err error) {
	if err != nil {
		if errors.Is(err, ErrNoStrategy) {
			v.log.Debug().Str("step", step).Msg("no strategy configured, rebalance skipped")
			return
		}
		v.log.Warn().Err(err).
			Str("step", step).
			Str("requested", fmtInt(res.Requested)).
			Msg("best-effort rebalance failed")
		v.publish(ctx, model.Event{
			Type:      model.EventRebalanceFailed,
			Actor:     v.account,
			Assets:    res.Requested,
			Direction: res.Direction,
			Param:     step,
			Error:     err.Error(),
		})
	}
	if !res.Noop() {
		v.publishRebalance(ctx, v.account, res)
	}
}

func (v *Vault) publishRebalance(ctx context.Context, actor string, res RebalanceResult) {
	v.log.Info().
		Str("direction", res.Direction).
		Str("requested", fmtInt(res.Requested)).
		Str("moved", fmtInt(res.Moved)).
		Msg("rebalance")
	v.publish(ctx, model.Event{
		Type:      model.EventRebalance,
		Actor:     actor,
		Assets:    res.Moved,
		Direction: res.Direction,
	})
}

// Rebalance pushes excess local liquidity to the strategy on the owner's
// request. Unlike the automatic push after a deposit, every failure is
// returned, including a missing strategy and an empty vault.
func (v *Vault) Rebalance(ctx context.Context, caller string) (RebalanceResult, error) {
	exit, err := v.enter()
	if err != nil {
		return RebalanceResult{}, err
	}
	defer exit()

	if err := v.requireOwner(caller); err != nil {
		return RebalanceResult{}, err
	}
	res, err := v.push(ctx)
	if err != nil {
		v.log.Warn().Err(err).Str("step", stepManualRebalance).Msg("rebalance failed")
		return res, err
	}
	if !res.Noop() {
		v.publishRebalance(ctx, v.owner, res)
	}
	return res, nil
}

// measured returns after - before, floored at zero.
func measured(after, before math.Int) math.Int {
	if after.LTE(before) {
		return math.ZeroInt()
	}
	return after.Sub(before)
}
