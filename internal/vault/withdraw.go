package vault

import (
	"context"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/atmx/yield-vault/internal/model"
)

type withdrawQuote struct {
	caller    string
	receiver  string
	owner     string
	assets    math.Int
	shares    math.Int
	costBasis math.Int // owner's cost basis after the burn
	shortfall math.Int // to pull from the strategy first
	strategy  Strategy
}

func (q withdrawQuote) delegated() bool { return q.caller != q.owner }

// quoteWithdraw runs every check of Withdraw against current totals and
// prices the shares to burn, rounding up. It has no side effects.
func (v *Vault) quoteWithdraw(ctx context.Context, caller string, assets math.Int, receiver, owner string) (withdrawQuote, error) {
	cfg := v.config()
	if cfg.paused {
		return withdrawQuote{}, ErrPaused
	}
	if assets.IsNil() || !assets.IsPositive() {
		return withdrawQuote{}, ErrZeroAmount
	}
	from, err := parseAccount(caller, ErrInvalidAccount)
	if err != nil {
		return withdrawQuote{}, err
	}
	to, err := parseAccount(receiver, ErrInvalidReceiver)
	if err != nil {
		return withdrawQuote{}, err
	}
	holder, err := parseAccount(owner, ErrInvalidAccount)
	if err != nil {
		return withdrawQuote{}, err
	}
	if assets.GT(cfg.params.MaxWithdrawLimit) {
		return withdrawQuote{}, errorsmod.Wrapf(ErrWithdrawLimit, "%s > %s", assets, cfg.params.MaxWithdrawLimit)
	}

	pos := v.position(holder)
	if pos.Shares.IsZero() {
		return withdrawQuote{}, errorsmod.Wrapf(ErrNoShares, "owner %s", holder)
	}
	b, err := v.readBalances(ctx, cfg.strategy)
	if err != nil {
		return withdrawQuote{}, err
	}
	r := v.rate(b)
	shares, err := r.AssetsToSharesUp(assets)
	if err != nil {
		return withdrawQuote{}, convErr(err)
	}
	if shares.IsZero() {
		return withdrawQuote{}, errorsmod.Wrapf(ErrZeroShares, "withdrawal of %s", assets)
	}
	worth, err := r.SharesToAssets(pos.Shares)
	if err != nil {
		return withdrawQuote{}, convErr(err)
	}
	if shares.GT(pos.Shares) || assets.GT(worth) {
		return withdrawQuote{}, errorsmod.Wrapf(ErrInsufficientShares,
			"owner holds %s shares worth %s, withdrawal needs %s shares", pos.Shares, worth, shares)
	}
	if from != holder {
		allowed := v.Allowance(holder, from)
		if allowed.LT(shares) {
			return withdrawQuote{}, errorsmod.Wrapf(ErrInsufficientAllowance,
				"%s may spend %s of %s's shares, needs %s", from, allowed, holder, shares)
		}
	}

	shortfall := math.ZeroInt()
	if assets.GT(b.local) {
		shortfall = assets.Sub(b.local)
		if cfg.strategy == nil || b.strategy.LT(shortfall) {
			return withdrawQuote{}, errorsmod.Wrapf(ErrInsufficientLiquidity,
				"need %s beyond local balance, strategy holds %s", shortfall, b.strategy)
		}
	}

	basis, err := nextCostBasis(pos.CostBasis, shares, pos.Shares.Sub(shares))
	if err != nil {
		return withdrawQuote{}, err
	}
	return withdrawQuote{
		caller:    from,
		receiver:  to,
		owner:     holder,
		assets:    assets,
		shares:    shares,
		costBasis: basis,
		shortfall: shortfall,
		strategy:  cfg.strategy,
	}, nil
}

// Withdraw burns owner's shares and sends assets to receiver. A caller other
// than owner spends its share allowance. When local balance cannot cover the
// amount the shortfall is pulled from the strategy, and a short pull fails
// the whole withdrawal before any share is burned. Returns the shares burned.
func (v *Vault) Withdraw(ctx context.Context, caller string, assets math.Int, receiver, owner string) (math.Int, error) {
	exit, err := v.enter()
	if err != nil {
		return math.ZeroInt(), err
	}
	defer exit()

	q, err := v.quoteWithdraw(ctx, caller, assets, receiver, owner)
	if err != nil {
		return math.ZeroInt(), err
	}
	if err := v.withdraw(ctx, q, model.EventWithdraw); err != nil {
		return math.ZeroInt(), err
	}
	return q.shares, nil
}

// withdraw executes a quoted withdrawal. The caller holds the guard.
func (v *Vault) withdraw(ctx context.Context, q withdrawQuote, kind model.EventType) error {
	if q.shortfall.IsPositive() {
		if err := v.forcePull(ctx, q.strategy, q.shortfall); err != nil {
			return err
		}
	}
	// Funds pulled above stay local and remain counted in managed value.
	if err := v.ledger.Transfer(v.account, q.receiver, q.assets); err != nil {
		return errorsmod.Wrapf(ErrAssetTransfer, "send %s to %s: %v", q.assets, q.receiver, err)
	}

	v.commitWithdraw(q)

	v.log.Info().
		Str("owner", q.owner).
		Str("receiver", q.receiver).
		Str("assets", q.assets.String()).
		Str("shares", q.shares.String()).
		Str("pulled", q.shortfall.String()).
		Msg(string(kind))

	v.publish(ctx, model.Event{
		Type:     kind,
		Actor:    q.caller,
		Account:  q.owner,
		Receiver: q.receiver,
		Assets:   q.assets,
		Shares:   q.shares,
	})

	res, err := v.pullCheck(ctx)
	v.settle(ctx, stepPullAfterWithdraw, res, err)
	return nil
}

func (v *Vault) commitWithdraw(q withdrawQuote) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positionLocked(q.owner)
	pos.Shares = pos.Shares.Sub(q.shares)
	pos.CostBasis = q.costBasis
	pos.GrossWithdrawn = pos.GrossWithdrawn.Add(q.assets)
	v.totalShares = v.totalShares.Sub(q.shares)

	if q.delegated() {
		spent := v.allowances[q.owner][q.caller].Sub(q.shares)
		v.allowances[q.owner][q.caller] = spent
	}
}
