package vault

import (
	"context"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/conversion"
	"github.com/atmx/yield-vault/internal/model"
)

// Queries take no guard and never mutate. They read a consistent copy of
// vault state, but are not atomic with a mutation in flight.

// Params returns the current parameters.
func (v *Vault) Params() Params { return v.config().params }

// Paused reports whether deposits and withdrawals are blocked.
func (v *Vault) Paused() bool { return v.config().paused }

// TotalAssets returns total managed value: local balance plus strategy
// balance.
func (v *Vault) TotalAssets(ctx context.Context) (math.Int, error) {
	b, err := v.readBalances(ctx, v.config().strategy)
	if err != nil {
		return math.ZeroInt(), err
	}
	return b.total(), nil
}

// TotalShares returns the shares outstanding.
func (v *Vault) TotalShares() math.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totalShares
}

// Position returns an account's position marked to the current rate.
func (v *Vault) Position(ctx context.Context, acct string) (model.PositionView, error) {
	holder, err := parseAccount(acct, ErrInvalidAccount)
	if err != nil {
		return model.PositionView{}, err
	}
	pos := v.position(holder)
	b, err := v.readBalances(ctx, v.config().strategy)
	if err != nil {
		return model.PositionView{}, err
	}
	assets, err := v.rate(b).SharesToAssets(pos.Shares)
	if err != nil {
		return model.PositionView{}, convErr(err)
	}
	return model.PositionView{
		Position:         pos,
		Assets:           assets,
		UnrealizedProfit: profit(assets, pos.CostBasis),
	}, nil
}

// Stats returns the vault-wide snapshot.
func (v *Vault) Stats(ctx context.Context) (model.VaultStats, error) {
	cfg := v.config()
	b, err := v.readBalances(ctx, cfg.strategy)
	if err != nil {
		return model.VaultStats{}, err
	}
	total := b.total()
	ratio, err := conversion.RatioBPS(b.local, total)
	if err != nil {
		return model.VaultStats{}, err
	}

	v.mu.RLock()
	shares, fees, users := v.totalShares, v.totalFees, v.totalUsers
	active := 0
	for _, p := range v.positions {
		if p.Shares.IsPositive() {
			active++
		}
	}
	v.mu.RUnlock()

	return model.VaultStats{
		TotalAssets:           total,
		LocalBalance:          b.local,
		StrategyBalance:       b.strategy,
		TotalShares:           shares,
		TotalUsers:            users,
		ActiveHolders:         active,
		FeesCollected:         fees,
		MaxDepositLimit:       cfg.params.MaxDepositLimit,
		MaxWithdrawLimit:      cfg.params.MaxWithdrawLimit,
		ManagementFeeBPS:      cfg.params.ManagementFeeBPS,
		TargetLiquidityBPS:    cfg.params.TargetLiquidityBPS,
		RebalanceThresholdBPS: cfg.params.RebalanceThresholdBPS,
		LiquidityRatioBPS:     ratio,
		SharePrice:            sharePrice(total, shares),
		Paused:                cfg.paused,
		StrategyConfigured:    cfg.strategy != nil,
		StrategyActive:        cfg.strategy != nil && cfg.strategy.IsActive(ctx),
	}, nil
}

// sharePrice is assets per share for display, 1 with nothing outstanding.
func sharePrice(total, shares math.Int) decimal.Decimal {
	if shares.IsZero() {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromBigInt(total.BigInt(), 0).
		DivRound(decimal.NewFromBigInt(shares.BigInt(), 0), 18)
}

// ConvertToShares prices assets in shares at the current rate, rounding
// down.
func (v *Vault) ConvertToShares(ctx context.Context, assets math.Int) (math.Int, error) {
	r, err := v.currentRate(ctx)
	if err != nil {
		return math.ZeroInt(), err
	}
	shares, err := r.AssetsToShares(assets)
	return shares, convErr(err)
}

// ConvertToAssets prices shares in assets at the current rate, rounding
// down.
func (v *Vault) ConvertToAssets(ctx context.Context, shares math.Int) (math.Int, error) {
	r, err := v.currentRate(ctx)
	if err != nil {
		return math.ZeroInt(), err
	}
	assets, err := r.SharesToAssets(shares)
	return assets, convErr(err)
}

// PreviewDeposit returns the shares a deposit of assets would mint now,
// after the management fee.
func (v *Vault) PreviewDeposit(ctx context.Context, assets math.Int) (math.Int, error) {
	if assets.IsNil() || assets.IsNegative() {
		return math.ZeroInt(), ErrZeroAmount
	}
	_, net, err := conversion.SplitFee(assets, v.config().params.ManagementFeeBPS)
	if err != nil {
		return math.ZeroInt(), err
	}
	return v.ConvertToShares(ctx, net)
}

// PreviewWithdraw returns the shares a withdrawal of assets would burn now,
// rounding up as Withdraw does.
func (v *Vault) PreviewWithdraw(ctx context.Context, assets math.Int) (math.Int, error) {
	if assets.IsNil() || assets.IsNegative() {
		return math.ZeroInt(), ErrZeroAmount
	}
	r, err := v.currentRate(ctx)
	if err != nil {
		return math.ZeroInt(), err
	}
	shares, err := r.AssetsToSharesUp(assets)
	return shares, convErr(err)
}

// MaxWithdraw returns the most owner can withdraw in one call: the value of
// their shares, capped at the withdraw limit.
func (v *Vault) MaxWithdraw(ctx context.Context, owner string) (math.Int, error) {
	view, err := v.Position(ctx, owner)
	if err != nil {
		return math.ZeroInt(), err
	}
	return math.MinInt(view.Assets, v.config().params.MaxWithdrawLimit), nil
}

// CanDeposit runs every check Deposit would, without side effects.
func (v *Vault) CanDeposit(ctx context.Context, caller string, assets math.Int, receiver string) error {
	_, err := v.quoteDeposit(ctx, caller, assets, receiver)
	return err
}

// CanWithdraw runs every check Withdraw would, without side effects. A
// strategy that reports enough balance but returns less on the forced pull
// still fails the real withdrawal.
func (v *Vault) CanWithdraw(ctx context.Context, caller string, assets math.Int, receiver, owner string) error {
	_, err := v.quoteWithdraw(ctx, caller, assets, receiver, owner)
	return err
}

// CheckInvariants verifies that positions sum to total shares and that no
// cost basis went negative.
func (v *Vault) CheckInvariants() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	sum := math.ZeroInt()
	for acct, p := range v.positions {
		if p.Shares.IsNegative() || p.CostBasis.IsNegative() {
			return fmt.Errorf("position %s: shares %s, cost basis %s", acct, p.Shares, p.CostBasis)
		}
		if p.Shares.IsZero() && !p.CostBasis.IsZero() {
			return fmt.Errorf("position %s: exited with cost basis %s", acct, p.CostBasis)
		}
		sum = sum.Add(p.Shares)
	}
	if !sum.Equal(v.totalShares) {
		return fmt.Errorf("positions hold %s shares, total outstanding %s", sum, v.totalShares)
	}
	return nil
}

func (v *Vault) currentRate(ctx context.Context) (conversion.Rate, error) {
	b, err := v.readBalances(ctx, v.config().strategy)
	if err != nil {
		return conversion.Rate{}, err
	}
	return v.rate(b), nil
}

// ApproveShares sets (not increases) how many of owner's shares spender may
// withdraw on owner's behalf.
func (v *Vault) ApproveShares(ctx context.Context, owner, spender string, shares math.Int) error {
	exit, err := v.enter()
	if err != nil {
		return err
	}
	defer exit()

	holder, err := parseAccount(owner, ErrInvalidAccount)
	if err != nil {
		return err
	}
	delegate, err := parseAccount(spender, ErrInvalidAccount)
	if err != nil {
		return err
	}
	if shares.IsNil() || shares.IsNegative() {
		return errorsmod.Wrap(ErrZeroAmount, "allowance must not be negative")
	}

	v.mu.Lock()
	if v.allowances[holder] == nil {
		v.allowances[holder] = make(map[string]math.Int)
	}
	old := v.allowanceLocked(holder, delegate)
	v.allowances[holder][delegate] = shares
	v.mu.Unlock()

	v.publish(ctx, model.Event{
		Type:     model.EventSharesApproved,
		Actor:    holder,
		Account:  holder,
		Receiver: delegate,
		Shares:   shares,
		OldValue: old.String(),
		NewValue: shares.String(),
	})
	return nil
}

// Allowance returns how many of owner's shares spender may withdraw.
func (v *Vault) Allowance(owner, spender string) math.Int {
	if a, err := account.Parse(owner); err == nil {
		owner = a
	}
	if a, err := account.Parse(spender); err == nil {
		spender = a
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.allowanceLocked(owner, spender)
}

func (v *Vault) allowanceLocked(owner, spender string) math.Int {
	if a, ok := v.allowances[owner][spender]; ok {
		return a
	}
	return math.ZeroInt()
}
