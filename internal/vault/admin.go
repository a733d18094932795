package vault

import (
	"context"
	"strconv"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/model"
)

// Parameter names carried by param-changed events.
const (
	ParamManagementFee      = "management_fee_bps"
	ParamTargetLiquidity    = "target_liquidity_bps"
	ParamRebalanceThreshold = "rebalance_threshold_bps"
	ParamMaxDepositLimit    = "max_deposit_limit"
	ParamMaxWithdrawLimit   = "max_withdraw_limit"
	ParamStrategy           = "strategy"
)

// admin claims the guard and checks the caller is the owner.
func (v *Vault) admin(caller string) (func(), error) {
	exit, err := v.enter()
	if err != nil {
		return nil, err
	}
	if err := v.requireOwner(caller); err != nil {
		exit()
		return nil, err
	}
	return exit, nil
}

// setParam validates and applies one parameter change, then records it.
func (v *Vault) setParam(ctx context.Context, caller, name string, apply func(p *Params) (old, updated string, err error)) error {
	exit, err := v.admin(caller)
	if err != nil {
		return err
	}
	defer exit()

	v.mu.Lock()
	next := v.params
	old, updated, err := apply(&next)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.params = next
	v.mu.Unlock()

	v.log.Info().Str("param", name).Str("old", old).Str("new", updated).Msg("parameter changed")
	v.publish(ctx, model.Event{
		Type:     model.EventParamChanged,
		Actor:    v.owner,
		Param:    name,
		OldValue: old,
		NewValue: updated,
	})
	return nil
}

// SetManagementFee sets the deposit fee, at most 1000 bps.
func (v *Vault) SetManagementFee(ctx context.Context, caller string, bps uint32) error {
	return v.setParam(ctx, caller, ParamManagementFee, func(p *Params) (string, string, error) {
		old := p.ManagementFeeBPS
		p.ManagementFeeBPS = bps
		return fmtBPS(old), fmtBPS(bps), validateFee(bps)
	})
}

// SetTargetLiquidity sets the local liquidity target within [500, 5000] bps.
// It may not drop below the current rebalance threshold.
func (v *Vault) SetTargetLiquidity(ctx context.Context, caller string, bps uint32) error {
	return v.setParam(ctx, caller, ParamTargetLiquidity, func(p *Params) (string, string, error) {
		old := p.TargetLiquidityBPS
		p.TargetLiquidityBPS = bps
		if err := validateTarget(bps); err != nil {
			return "", "", err
		}
		if p.RebalanceThresholdBPS > bps {
			return "", "", errorsmod.Wrapf(ErrInvalidTarget,
				"%d bps below rebalance threshold %d", bps, p.RebalanceThresholdBPS)
		}
		return fmtBPS(old), fmtBPS(bps), nil
	})
}

// SetRebalanceThreshold sets the hysteresis band, at most the target.
func (v *Vault) SetRebalanceThreshold(ctx context.Context, caller string, bps uint32) error {
	return v.setParam(ctx, caller, ParamRebalanceThreshold, func(p *Params) (string, string, error) {
		old := p.RebalanceThresholdBPS
		p.RebalanceThresholdBPS = bps
		return fmtBPS(old), fmtBPS(bps), validateThreshold(bps, p.TargetLiquidityBPS)
	})
}

// SetDepositLimit sets the per-call deposit ceiling.
func (v *Vault) SetDepositLimit(ctx context.Context, caller string, limit math.Int) error {
	return v.setParam(ctx, caller, ParamMaxDepositLimit, func(p *Params) (string, string, error) {
		old := p.MaxDepositLimit
		p.MaxDepositLimit = limit
		return fmtInt(old), fmtInt(limit), validateLimit("max deposit", limit)
	})
}

// SetWithdrawLimit sets the per-call withdrawal ceiling.
func (v *Vault) SetWithdrawLimit(ctx context.Context, caller string, limit math.Int) error {
	return v.setParam(ctx, caller, ParamMaxWithdrawLimit, func(p *Params) (string, string, error) {
		old := p.MaxWithdrawLimit
		p.MaxWithdrawLimit = limit
		return fmtInt(old), fmtInt(limit), validateLimit("max withdraw", limit)
	})
}

// SetStrategy replaces the strategy; nil clears it. A strategy that still
// holds funds cannot be replaced, since its balance would drop out of
// managed value. Empty it first with EmergencyWithdrawFromStrategy.
func (v *Vault) SetStrategy(ctx context.Context, caller string, s Strategy) error {
	exit, err := v.admin(caller)
	if err != nil {
		return err
	}
	defer exit()

	newAcct := ""
	if s != nil {
		if err := v.checkStrategyAccount(s, ErrInvalidAccount); err != nil {
			return err
		}
		newAcct = account.MustParse(s.Account())
	}
	current := v.config().strategy
	oldAcct := ""
	if current != nil {
		oldAcct = current.Account()
		held, err := current.BalanceOf(ctx)
		if err != nil {
			return errorsmod.Wrapf(ErrStrategyCall, "balance: %v", err)
		}
		if held.IsPositive() {
			return errorsmod.Wrapf(ErrStrategyHasFunds, "%s holds %s", oldAcct, held)
		}
	}

	v.mu.Lock()
	v.strategy = s
	v.mu.Unlock()

	v.log.Info().Str("old", oldAcct).Str("new", newAcct).Msg("strategy changed")
	v.publish(ctx, model.Event{
		Type:     model.EventParamChanged,
		Actor:    v.owner,
		Param:    ParamStrategy,
		OldValue: oldAcct,
		NewValue: newAcct,
	})
	return nil
}

// Pause blocks deposits and withdrawals. Admin calls keep working.
func (v *Vault) Pause(ctx context.Context, caller string) error {
	return v.setPaused(ctx, caller, true)
}

// Unpause resumes deposits and withdrawals.
func (v *Vault) Unpause(ctx context.Context, caller string) error {
	return v.setPaused(ctx, caller, false)
}

func (v *Vault) setPaused(ctx context.Context, caller string, paused bool) error {
	exit, err := v.admin(caller)
	if err != nil {
		return err
	}
	defer exit()

	v.mu.Lock()
	if v.paused == paused {
		v.mu.Unlock()
		if paused {
			return ErrPaused
		}
		return ErrNotPaused
	}
	v.paused = paused
	v.mu.Unlock()

	kind := model.EventUnpaused
	if paused {
		kind = model.EventPaused
	}
	v.log.Warn().Bool("paused", paused).Msg("pause state changed")
	v.publish(ctx, model.Event{
		Type:     kind,
		Actor:    v.owner,
		Param:    "paused",
		OldValue: strconv.FormatBool(!paused),
		NewValue: strconv.FormatBool(paused),
	})
	return nil
}

// EmergencyWithdraw sends the whole local balance to the owner. Requires the
// vault to be paused. Returns the amount sent.
func (v *Vault) EmergencyWithdraw(ctx context.Context, caller string) (math.Int, error) {
	exit, err := v.admin(caller)
	if err != nil {
		return math.ZeroInt(), err
	}
	defer exit()

	if !v.config().paused {
		return math.ZeroInt(), ErrNotPaused
	}
	amount := v.ledger.BalanceOf(v.account)
	if amount.IsPositive() {
		if err := v.ledger.Transfer(v.account, v.owner, amount); err != nil {
			return math.ZeroInt(), errorsmod.Wrapf(ErrAssetTransfer, "emergency withdraw %s: %v", amount, err)
		}
	}

	v.log.Warn().Str("amount", amount.String()).Msg("emergency withdraw")
	v.publish(ctx, model.Event{
		Type:     model.EventEmergencyWithdraw,
		Actor:    v.owner,
		Receiver: v.owner,
		Assets:   amount,
	})
	return amount, nil
}

// EmergencyWithdrawFromStrategy brings everything the strategy holds back to
// local balance. Requires the vault to be paused. Returns the amount
// received.
func (v *Vault) EmergencyWithdrawFromStrategy(ctx context.Context, caller string) (math.Int, error) {
	exit, err := v.admin(caller)
	if err != nil {
		return math.ZeroInt(), err
	}
	defer exit()

	cfg := v.config()
	if !cfg.paused {
		return math.ZeroInt(), ErrNotPaused
	}
	if cfg.strategy == nil {
		return math.ZeroInt(), ErrNoStrategy
	}
	before := v.ledger.BalanceOf(v.account)
	if _, err := cfg.strategy.EmergencyWithdraw(ctx); err != nil {
		return math.ZeroInt(), errorsmod.Wrapf(ErrStrategyCall, "emergency withdraw: %v", err)
	}
	received := measured(v.ledger.BalanceOf(v.account), before)

	v.log.Warn().Str("amount", received.String()).Msg("strategy emergency withdraw")
	v.publish(ctx, model.Event{
		Type:      model.EventStrategyEmergencyWithdraw,
		Actor:     v.owner,
		Assets:    received,
		Direction: model.DirectionFromStrategy,
	})
	return received, nil
}

// Harvest asks the strategy to realize accrued yield into local balance.
// Managed value is unchanged; the yield was already counted in the
// strategy's balance. Returns the amount received.
func (v *Vault) Harvest(ctx context.Context, caller string) (math.Int, error) {
	exit, err := v.admin(caller)
	if err != nil {
		return math.ZeroInt(), err
	}
	defer exit()

	s := v.config().strategy
	if s == nil {
		return math.ZeroInt(), ErrNoStrategy
	}
	before := v.ledger.BalanceOf(v.account)
	if _, err := s.Harvest(ctx); err != nil {
		return math.ZeroInt(), errorsmod.Wrapf(ErrStrategyCall, "harvest: %v", err)
	}
	received := measured(v.ledger.BalanceOf(v.account), before)

	v.log.Info().Str("amount", received.String()).Msg("harvest")
	v.publish(ctx, model.Event{
		Type:      model.EventHarvest,
		Actor:     v.owner,
		Assets:    received,
		Direction: model.DirectionFromStrategy,
	})
	return received, nil
}
