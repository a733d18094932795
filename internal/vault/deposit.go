package vault

import (
	"context"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/atmx/yield-vault/internal/conversion"
	"github.com/atmx/yield-vault/internal/model"
)

type depositQuote struct {
	caller   string
	receiver string
	assets   math.Int
	fee      math.Int
	net      math.Int
	shares   math.Int
}

// quoteDeposit runs every check of Deposit and prices the shares against
// pre-deposit totals. It has no side effects.
func (v *Vault) quoteDeposit(ctx context.Context, caller string, assets math.Int, receiver string) (depositQuote, error) {
	cfg := v.config()
	if cfg.paused {
		return depositQuote{}, ErrPaused
	}
	if assets.IsNil() || !assets.IsPositive() {
		return depositQuote{}, ErrZeroAmount
	}
	from, err := parseAccount(caller, ErrInvalidAccount)
	if err != nil {
		return depositQuote{}, err
	}
	to, err := parseAccount(receiver, ErrInvalidReceiver)
	if err != nil {
		return depositQuote{}, err
	}
	if assets.GT(cfg.params.MaxDepositLimit) {
		return depositQuote{}, errorsmod.Wrapf(ErrDepositLimitExceeded, "%s > %s", assets, cfg.params.MaxDepositLimit)
	}
	if cfg.strategy == nil && v.policy == NoStrategyStrict {
		return depositQuote{}, errorsmod.Wrap(ErrNoStrategy, "deposits require a strategy")
	}

	fee, net, err := conversion.SplitFee(assets, cfg.params.ManagementFeeBPS)
	if err != nil {
		return depositQuote{}, err
	}
	b, err := v.readBalances(ctx, cfg.strategy)
	if err != nil {
		return depositQuote{}, err
	}
	shares, err := v.rate(b).AssetsToShares(net)
	if err != nil {
		return depositQuote{}, convErr(err)
	}
	if shares.IsZero() {
		return depositQuote{}, errorsmod.Wrapf(ErrZeroShares, "net deposit %s", net)
	}
	return depositQuote{caller: from, receiver: to, assets: assets, fee: fee, net: net, shares: shares}, nil
}

// Deposit pulls assets from caller, sends the management fee to the owner
// and mints shares for the net amount to receiver. The caller must have
// approved the vault account for assets on the ledger. Excess local
// liquidity is then pushed to the strategy on a best-effort basis.
func (v *Vault) Deposit(ctx context.Context, caller string, assets math.Int, receiver string) (math.Int, error) {
	exit, err := v.enter()
	if err != nil {
		return math.ZeroInt(), err
	}
	defer exit()

	q, err := v.quoteDeposit(ctx, caller, assets, receiver)
	if err != nil {
		return math.ZeroInt(), err
	}

	var j journal
	if err := v.ledger.TransferFrom(v.account, q.caller, v.account, q.assets); err != nil {
		return math.ZeroInt(), errorsmod.Wrapf(ErrAssetTransfer, "pull %s from %s: %v", q.assets, q.caller, err)
	}
	j.push(func() error { return v.ledger.Transfer(v.account, q.caller, q.assets) })

	if q.fee.IsPositive() {
		if err := v.ledger.Transfer(v.account, v.owner, q.fee); err != nil {
			j.rollback(v.log)
			return math.ZeroInt(), errorsmod.Wrapf(ErrAssetTransfer, "fee %s: %v", q.fee, err)
		}
	}

	v.commitDeposit(q)

	v.log.Info().
		Str("receiver", q.receiver).
		Str("assets", q.assets.String()).
		Str("fee", q.fee.String()).
		Str("shares", q.shares.String()).
		Msg("deposit")

	v.publish(ctx, model.Event{
		Type:     model.EventDeposit,
		Actor:    q.caller,
		Account:  q.receiver,
		Receiver: q.receiver,
		Assets:   q.assets,
		Fee:      q.fee,
		Shares:   q.shares,
	})

	res, err := v.push(ctx)
	v.settle(ctx, stepPushAfterDeposit, res, err)

	return q.shares, nil
}

func (v *Vault) commitDeposit(q depositQuote) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positionLocked(q.receiver)
	if pos.FirstDepositAt.IsZero() {
		pos.FirstDepositAt = v.now()
		v.totalUsers++
	}
	pos.Shares = pos.Shares.Add(q.shares)
	pos.CostBasis = pos.CostBasis.Add(q.net)
	pos.GrossDeposited = pos.GrossDeposited.Add(q.net)
	v.totalShares = v.totalShares.Add(q.shares)
	v.totalFees = v.totalFees.Add(q.fee)
}
