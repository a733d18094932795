package vault

import (
	"context"

	"cosmossdk.io/math"

	"github.com/atmx/yield-vault/internal/conversion"
	"github.com/atmx/yield-vault/internal/model"
)

// nextCostBasis reduces a cost basis in proportion to the shares burned.
// A full exit forgives any rounding residue and returns zero.
func nextCostBasis(basis, burned, remaining math.Int) (math.Int, error) {
	if remaining.IsZero() {
		return math.ZeroInt(), nil
	}
	reduction, err := conversion.ProportionalReduction(basis, burned, remaining)
	if err != nil {
		return math.ZeroInt(), err
	}
	return basis.Sub(reduction), nil
}

// profit returns max(0, value - basis).
func profit(value, basis math.Int) math.Int {
	if value.LTE(basis) {
		return math.ZeroInt()
	}
	return value.Sub(basis)
}

// WithdrawProfit withdraws the caller's gain above cost basis to the caller,
// capped at the max withdraw limit. With no gain it returns zero and does
// nothing. Returns the assets withdrawn and the shares burned.
func (v *Vault) WithdrawProfit(ctx context.Context, caller string) (assets, shares math.Int, err error) {
	exit, err := v.enter()
	if err != nil {
		return math.ZeroInt(), math.ZeroInt(), err
	}
	defer exit()

	cfg := v.config()
	if cfg.paused {
		return math.ZeroInt(), math.ZeroInt(), ErrPaused
	}
	holder, err := parseAccount(caller, ErrInvalidAccount)
	if err != nil {
		return math.ZeroInt(), math.ZeroInt(), err
	}
	pos := v.position(holder)
	if pos.Shares.IsZero() {
		return math.ZeroInt(), math.ZeroInt(), ErrNoShares
	}
	b, err := v.readBalances(ctx, cfg.strategy)
	if err != nil {
		return math.ZeroInt(), math.ZeroInt(), err
	}
	value, err := v.rate(b).SharesToAssets(pos.Shares)
	if err != nil {
		return math.ZeroInt(), math.ZeroInt(), convErr(err)
	}
	gain := profit(value, pos.CostBasis)
	if gain.IsZero() {
		return math.ZeroInt(), math.ZeroInt(), nil
	}
	amount := math.MinInt(gain, cfg.params.MaxWithdrawLimit)

	q, err := v.quoteWithdraw(ctx, holder, amount, holder, holder)
	if err != nil {
		return math.ZeroInt(), math.ZeroInt(), err
	}
	if err := v.withdraw(ctx, q, model.EventProfitWithdraw); err != nil {
		return math.ZeroInt(), math.ZeroInt(), err
	}
	return q.assets, q.shares, nil
}
