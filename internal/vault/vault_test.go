package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/ledger"
	"github.com/atmx/yield-vault/internal/model"
	"github.com/atmx/yield-vault/internal/strategy"
	"github.com/atmx/yield-vault/internal/vault"
)

var (
	owner     = account.FromSeed(0xa0)
	alice     = account.FromSeed(0xa11ce)
	bob       = account.FromSeed(0xb0b)
	vaultAcct = account.FromSeed(0x5afe)
	stratAcct = account.FromSeed(0x57a7)

	epoch = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
)

func n(v int64) math.Int { return math.NewInt(v) }

// requireInt compares by value; big.Int internals are not DeepEqual-stable.
func requireInt(t *testing.T, expected int64, actual math.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, n(expected).Equal(actual), "expected %d, got %s %v", expected, actual, msgAndArgs)
}

// recordingSink keeps every published event in order.
type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) ofType(kind model.EventType) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	ledger *ledger.Memory
	strat  *strategy.Simulated
	vault  *vault.Vault
	sink   *recordingSink
}

type envOptions struct {
	noStrategy bool
	policy     vault.NoStrategyPolicy
	ledger     vault.AssetLedger
	strategy   vault.Strategy
}

// newEnv builds a vault with default parameters (2% fee, 10% target, 5%
// band) over an in-memory ledger and a simulated strategy.
func newEnv(t *testing.T, opts ...func(*envOptions)) *env {
	t.Helper()
	l := ledger.NewMemory()
	e := &env{
		ledger: l,
		strat:  strategy.NewSimulated(l, stratAcct, vaultAcct),
		sink:   &recordingSink{},
	}
	o := envOptions{ledger: l, strategy: e.strat}
	for _, fn := range opts {
		fn(&o)
	}

	vopts := []vault.Option{
		vault.WithSink(e.sink),
		vault.WithClock(func() time.Time { return epoch }),
	}
	if !o.noStrategy {
		vopts = append(vopts, vault.WithStrategy(o.strategy))
	}
	v, err := vault.New(o.ledger, vault.Config{
		Account:          vaultAcct,
		Owner:            owner,
		Params:           vault.DefaultParams(),
		NoStrategyPolicy: o.policy,
	}, vopts...)
	require.NoError(t, err)
	e.vault = v
	return e
}

func withoutStrategy(o *envOptions) { o.noStrategy = true }

// fund mints assets to acct and approves the vault to pull them.
func (e *env) fund(t *testing.T, acct string, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.Mint(acct, n(amount)))
	require.NoError(t, e.ledger.Approve(acct, vaultAcct, e.ledger.BalanceOf(acct)))
}

func (e *env) deposit(t *testing.T, acct string, amount int64) math.Int {
	t.Helper()
	e.fund(t, acct, amount)
	shares, err := e.vault.Deposit(context.Background(), acct, n(amount), acct)
	require.NoError(t, err)
	return shares
}

// requireConserved checks positions sum to total shares and that managed
// value is exactly what the ledger holds for the vault and the strategy.
func (e *env) requireConserved(t *testing.T) {
	t.Helper()
	require.NoError(t, e.vault.CheckInvariants())
	total, err := e.vault.TotalAssets(context.Background())
	require.NoError(t, err)
	held := e.ledger.BalanceOf(vaultAcct).Add(e.ledger.BalanceOf(stratAcct))
	require.Truef(t, held.Equal(total), "ledger holds %s, vault reports %s", held, total)
}

func (e *env) requireBalances(t *testing.T, local, strat int64) {
	t.Helper()
	requireInt(t, local, e.ledger.BalanceOf(vaultAcct), "local balance")
	requireInt(t, strat, e.ledger.BalanceOf(stratAcct), "strategy balance")
}

// --- Deposit tests ---

func TestDeposit_FeeAndBootstrapShares(t *testing.T) {
	e := newEnv(t)

	shares := e.deposit(t, alice, 100_000)

	requireInt(t, 98_000, shares)
	requireInt(t, 2_000, e.ledger.BalanceOf(owner))
	requireInt(t, 0, e.ledger.BalanceOf(alice))
	// 10% of 98,000 stays local, the rest is pushed.
	e.requireBalances(t, 9_800, 88_200)

	pos, err := e.vault.Position(context.Background(), alice)
	require.NoError(t, err)
	requireInt(t, 98_000, pos.Shares)
	requireInt(t, 98_000, pos.CostBasis)
	requireInt(t, 98_000, pos.GrossDeposited)
	requireInt(t, 98_000, pos.Assets)
	assert.Equal(t, epoch, pos.FirstDepositAt)

	deposits := e.sink.ofType(model.EventDeposit)
	require.Len(t, deposits, 1)
	requireInt(t, 100_000, deposits[0].Assets)
	requireInt(t, 2_000, deposits[0].Fee)
	requireInt(t, 98_000, deposits[0].Shares)
	assert.NotEmpty(t, deposits[0].ID)
	assert.Equal(t, epoch, deposits[0].Timestamp)

	rebalances := e.sink.ofType(model.EventRebalance)
	require.Len(t, rebalances, 1)
	assert.Equal(t, model.DirectionToStrategy, rebalances[0].Direction)
	requireInt(t, 88_200, rebalances[0].Assets)

	e.requireConserved(t)
}

func TestDeposit_PricesAgainstPreDepositTotals(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(5_000))) // total 103,000 for 98,000 shares

	shares := e.deposit(t, bob, 10_000) // net 9,800

	requireInt(t, 9_324, shares) // floor(9,800 * 98,000 / 103,000)
	e.requireConserved(t)
}

func TestDeposit_CountsUsersOnce(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 1_000)
	e.deposit(t, alice, 1_000)
	e.deposit(t, bob, 1_000)

	stats, err := e.vault.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 2, stats.ActiveHolders)
	requireInt(t, 60, stats.FeesCollected)
}

func TestDeposit_Validation(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, e *env)
		caller   string
		assets   math.Int
		receiver string
		wantErr  error
	}{
		{name: "zero amount", caller: alice, assets: n(0), receiver: alice, wantErr: vault.ErrZeroAmount},
		{name: "nil amount", caller: alice, assets: math.Int{}, receiver: alice, wantErr: vault.ErrZeroAmount},
		{name: "negative amount", caller: alice, assets: n(-5), receiver: alice, wantErr: vault.ErrZeroAmount},
		{name: "null receiver", caller: alice, assets: n(100), receiver: account.Zero, wantErr: vault.ErrInvalidReceiver},
		{name: "malformed receiver", caller: alice, assets: n(100), receiver: "bob", wantErr: vault.ErrInvalidReceiver},
		{name: "malformed caller", caller: "0x12", assets: n(100), receiver: alice, wantErr: vault.ErrInvalidAccount},
		{
			name: "over limit",
			setup: func(t *testing.T, e *env) {
				require.NoError(t, e.vault.SetDepositLimit(context.Background(), owner, n(500)))
			},
			caller: alice, assets: n(501), receiver: alice, wantErr: vault.ErrDepositLimitExceeded,
		},
		{
			name: "paused",
			setup: func(t *testing.T, e *env) {
				require.NoError(t, e.vault.Pause(context.Background(), owner))
			},
			caller: alice, assets: n(100), receiver: alice, wantErr: vault.ErrPaused,
		},
		{name: "single unit", caller: alice, assets: n(1), receiver: alice, wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.fund(t, alice, 1_000)
			if tt.setup != nil {
				tt.setup(t, e)
			}

			err := e.vault.CanDeposit(context.Background(), tt.caller, tt.assets, tt.receiver)
			_, depErr := e.vault.Deposit(context.Background(), tt.caller, tt.assets, tt.receiver)
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.NoError(t, depErr)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			require.ErrorIs(t, depErr, tt.wantErr)
			requireInt(t, 1_000, e.ledger.BalanceOf(alice))
			requireInt(t, 0, e.vault.TotalShares())
		})
	}
}

func TestDeposit_LimitAppliesToGrossAmount(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.vault.SetDepositLimit(context.Background(), owner, n(1_000)))

	e.deposit(t, alice, 1_000)

	e.fund(t, alice, 1_001)
	_, err := e.vault.Deposit(context.Background(), alice, n(1_001), alice)
	require.ErrorIs(t, err, vault.ErrDepositLimitExceeded)
}

func TestDeposit_ZeroSharesRejected(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 1_000) // 980 shares
	require.NoError(t, e.strat.AccrueYield(n(1_000_000)))

	e.fund(t, bob, 10)
	_, err := e.vault.Deposit(context.Background(), bob, n(10), bob)
	require.ErrorIs(t, err, vault.ErrZeroShares)
	requireInt(t, 10, e.ledger.BalanceOf(bob))
}

func TestDeposit_NoStrategySkipKeepsLiquidityLocal(t *testing.T) {
	e := newEnv(t, withoutStrategy)

	shares := e.deposit(t, alice, 100_000)

	requireInt(t, 98_000, shares)
	e.requireBalances(t, 98_000, 0)
	assert.Empty(t, e.sink.ofType(model.EventRebalanceFailed))
	e.requireConserved(t)
}

func TestDeposit_NoStrategyStrictRejectsBeforeMovingAssets(t *testing.T) {
	e := newEnv(t, withoutStrategy, func(o *envOptions) { o.policy = vault.NoStrategyStrict })
	e.fund(t, alice, 100_000)

	_, err := e.vault.Deposit(context.Background(), alice, n(100_000), alice)

	require.ErrorIs(t, err, vault.ErrNoStrategy)
	requireInt(t, 100_000, e.ledger.BalanceOf(alice))
	requireInt(t, 0, e.ledger.BalanceOf(owner))
	requireInt(t, 0, e.vault.TotalShares())
}

func TestDeposit_PushFailureDoesNotRevert(t *testing.T) {
	e := newEnv(t)
	e.strat.SetActive(false)

	shares := e.deposit(t, alice, 100_000)

	requireInt(t, 98_000, shares)
	e.requireBalances(t, 98_000, 0)
	failed := e.sink.ofType(model.EventRebalanceFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.DirectionToStrategy, failed[0].Direction)
	assert.Contains(t, failed[0].Error, "inactive")
	requireInt(t, 88_200, failed[0].Assets)
	e.requireConserved(t)
}

// faultyLedger fails every transfer to one account.
type faultyLedger struct {
	*ledger.Memory
	failTo string
}

func (f *faultyLedger) Transfer(from, to string, amount math.Int) error {
	if to == f.failTo {
		return errors.New("ledger offline")
	}
	return f.Memory.Transfer(from, to, amount)
}

func TestDeposit_FeeTransferFailureRollsBack(t *testing.T) {
	var fl *faultyLedger
	e := newEnv(t, func(o *envOptions) {
		fl = &faultyLedger{Memory: o.ledger.(*ledger.Memory), failTo: owner}
		o.ledger = fl
	})
	e.fund(t, alice, 100_000)

	_, err := e.vault.Deposit(context.Background(), alice, n(100_000), alice)

	require.ErrorIs(t, err, vault.ErrAssetTransfer)
	requireInt(t, 100_000, e.ledger.BalanceOf(alice))
	e.requireBalances(t, 0, 0)
	requireInt(t, 0, e.vault.TotalShares())
	assert.Empty(t, e.sink.ofType(model.EventDeposit))
}

func TestDeposit_WithoutLedgerApprovalFails(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.Mint(alice, n(1_000)))

	_, err := e.vault.Deposit(context.Background(), alice, n(1_000), alice)

	require.ErrorIs(t, err, vault.ErrAssetTransfer)
	requireInt(t, 1_000, e.ledger.BalanceOf(alice))
}

func TestDeposit_OnBehalfOfReceiver(t *testing.T) {
	e := newEnv(t)
	e.fund(t, alice, 10_000)

	shares, err := e.vault.Deposit(context.Background(), alice, n(10_000), bob)
	require.NoError(t, err)

	bobPos, err := e.vault.Position(context.Background(), bob)
	require.NoError(t, err)
	require.True(t, shares.Equal(bobPos.Shares))
	alicePos, err := e.vault.Position(context.Background(), alice)
	require.NoError(t, err)
	requireInt(t, 0, alicePos.Shares)
}

// --- Withdrawal tests ---

func TestWithdraw_ProportionalCostBasisThenFullExit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)

	burned, err := e.vault.Withdraw(ctx, alice, n(49_000), alice, alice)
	require.NoError(t, err)
	requireInt(t, 49_000, burned)

	pos, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 49_000, pos.Shares)
	requireInt(t, 49_000, pos.CostBasis)
	requireInt(t, 49_000, pos.GrossWithdrawn)
	requireInt(t, 49_000, e.ledger.BalanceOf(alice))
	e.requireConserved(t)

	rest, err := e.vault.MaxWithdraw(ctx, alice)
	require.NoError(t, err)
	_, err = e.vault.Withdraw(ctx, alice, rest, alice, alice)
	require.NoError(t, err)

	pos, err = e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 0, pos.Shares)
	requireInt(t, 0, pos.CostBasis)
	requireInt(t, 98_000, pos.GrossWithdrawn)
	requireInt(t, 98_000, e.ledger.BalanceOf(alice))
	e.requireBalances(t, 0, 0)
	e.requireConserved(t)
}

func TestWithdraw_PullsShortfallFromStrategy(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 100_000) // local 9,800, strategy 88,200

	_, err := e.vault.Withdraw(context.Background(), alice, n(20_000), alice, alice)
	require.NoError(t, err)

	// 10,200 forced, then the pull-check restores 10% of 78,000.
	e.requireBalances(t, 7_800, 70_200)
	requireInt(t, 20_000, e.ledger.BalanceOf(alice))
	e.requireConserved(t)
}

func TestWithdraw_ServedLocallyWithinBand(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 100_000)

	_, err := e.vault.Withdraw(context.Background(), alice, n(1_000), alice, alice)
	require.NoError(t, err)

	// ratio 8,800 / 97,000 = 907 bps, above the 500 bps lower band.
	e.requireBalances(t, 8_800, 88_200)
	assert.Empty(t, e.sink.ofType(model.EventRebalance)[1:])
}

func TestWithdraw_ShortStrategyReturnFailsWithoutEffects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	e.strat.SetLiquidityCap(n(5_000))

	err := e.vault.CanWithdraw(ctx, alice, n(20_000), alice, alice)
	require.NoError(t, err, "strategy balance covers the shortfall")

	_, err = e.vault.Withdraw(ctx, alice, n(20_000), alice, alice)
	require.ErrorIs(t, err, vault.ErrInsufficientStrategyLiquidity)

	pos, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 98_000, pos.Shares)
	requireInt(t, 98_000, pos.CostBasis)
	requireInt(t, 0, pos.GrossWithdrawn)
	requireInt(t, 0, e.ledger.BalanceOf(alice))
	requireInt(t, 98_000, e.vault.TotalShares())
	assert.Empty(t, e.sink.ofType(model.EventWithdraw))
	// The 5,000 that did arrive went back to the strategy.
	e.requireBalances(t, 9_800, 88_200)
	e.requireConserved(t)
}

func TestWithdraw_IlliquidStrategyLimitsToLocal(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	e.strat.SetLiquidityCap(n(0))

	_, err := e.vault.Withdraw(context.Background(), alice, n(9_801), alice, alice)
	require.ErrorIs(t, err, vault.ErrInsufficientStrategyLiquidity)

	_, err = e.vault.Withdraw(context.Background(), alice, n(9_800), alice, alice)
	require.NoError(t, err)
	e.requireConserved(t)
}

func TestWithdraw_Validation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, e *env)
		caller  string
		assets  math.Int
		recv    string
		owner   string
		wantErr error
	}{
		{name: "zero amount", caller: alice, assets: n(0), recv: alice, owner: alice, wantErr: vault.ErrZeroAmount},
		{name: "null receiver", caller: alice, assets: n(10), recv: account.Zero, owner: alice, wantErr: vault.ErrInvalidReceiver},
		{name: "no shares", caller: bob, assets: n(10), recv: bob, owner: bob, wantErr: vault.ErrNoShares},
		{name: "more than position", caller: alice, assets: n(98_001), recv: alice, owner: alice, wantErr: vault.ErrInsufficientShares},
		{name: "delegated without allowance", caller: bob, assets: n(10), recv: bob, owner: alice, wantErr: vault.ErrInsufficientAllowance},
		{
			name: "over limit",
			setup: func(t *testing.T, e *env) {
				require.NoError(t, e.vault.SetWithdrawLimit(context.Background(), owner, n(1_000)))
			},
			caller: alice, assets: n(1_001), recv: alice, owner: alice, wantErr: vault.ErrWithdrawLimit,
		},
		{
			name: "paused",
			setup: func(t *testing.T, e *env) {
				require.NoError(t, e.vault.Pause(context.Background(), owner))
			},
			caller: alice, assets: n(10), recv: alice, owner: alice, wantErr: vault.ErrPaused,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.deposit(t, alice, 100_000)
			if tt.setup != nil {
				tt.setup(t, e)
			}

			require.ErrorIs(t, e.vault.CanWithdraw(context.Background(), tt.caller, tt.assets, tt.recv, tt.owner), tt.wantErr)
			_, err := e.vault.Withdraw(context.Background(), tt.caller, tt.assets, tt.recv, tt.owner)
			require.ErrorIs(t, err, tt.wantErr)
			requireInt(t, 98_000, e.vault.TotalShares())
		})
	}
}

func TestWithdraw_DelegatedConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.vault.ApproveShares(ctx, alice, bob, n(10_000)))

	burned, err := e.vault.Withdraw(ctx, bob, n(6_000), bob, alice)
	require.NoError(t, err)
	requireInt(t, 6_000, burned)
	requireInt(t, 4_000, e.vault.Allowance(alice, bob))
	requireInt(t, 6_000, e.ledger.BalanceOf(bob))

	_, err = e.vault.Withdraw(ctx, bob, n(4_001), bob, alice)
	require.ErrorIs(t, err, vault.ErrInsufficientAllowance)
	requireInt(t, 4_000, e.vault.Allowance(alice, bob))

	pos, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 92_000, pos.Shares)
	e.requireConserved(t)
}

func TestWithdraw_AfterLossPaysLess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.RealizeLoss(n(8_000))) // total 90,000 for 98,000 shares

	most, err := e.vault.MaxWithdraw(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 90_000, most)

	_, err = e.vault.Withdraw(ctx, alice, n(90_001), alice, alice)
	require.ErrorIs(t, err, vault.ErrInsufficientShares)

	_, err = e.vault.Withdraw(ctx, alice, most, alice, alice)
	require.NoError(t, err)
	pos, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 0, pos.CostBasis)
	e.requireConserved(t)
}

func TestWithdraw_SmallWithdrawalsCannotBeatFairValue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	e.deposit(t, bob, 1_000)
	require.NoError(t, e.strat.AccrueYield(n(5_000)))

	aliceBefore, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	bobBefore, err := e.vault.Position(ctx, bob)
	require.NoError(t, err)
	requireInt(t, 980, bobBefore.Shares)
	requireInt(t, 1_029, bobBefore.Assets) // floor(980 * 103,980 / 98,980)

	paid := math.ZeroInt()
	for i := 0; i < 400; i++ {
		burned, err := e.vault.Withdraw(ctx, bob, n(2), bob, bob)
		require.NoError(t, err, "withdrawal %d", i)
		requireInt(t, 2, burned, "withdrawal %d", i)
		paid = paid.AddRaw(2)
	}

	bobAfter, err := e.vault.Position(ctx, bob)
	require.NoError(t, err)
	requireInt(t, 180, bobAfter.Shares)
	assert.True(t, paid.Add(bobAfter.Assets).LTE(bobBefore.Assets),
		"paid %s plus remaining %s exceeds fair value %s", paid, bobAfter.Assets, bobBefore.Assets)

	aliceAfter, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	assert.True(t, aliceAfter.Assets.GTE(aliceBefore.Assets),
		"alice's position fell from %s to %s", aliceBefore.Assets, aliceAfter.Assets)
	e.requireConserved(t)
}

// --- Profit withdrawal tests ---

func TestWithdrawProfit_WithdrawsGainOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(5_000)))

	pos, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 5_000, pos.UnrealizedProfit)

	assets, shares, err := e.vault.WithdrawProfit(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 5_000, assets)
	requireInt(t, 4_758, shares) // ceil(5,000 * 98,000 / 103,000)
	requireInt(t, 5_000, e.ledger.BalanceOf(alice))

	pos, err = e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 93_242, pos.Shares)
	requireInt(t, 93_242, pos.CostBasis)
	assert.True(t, pos.CostBasis.LT(n(98_000)) && pos.CostBasis.IsPositive())

	// Local fell to 4,800 of 98,000 (489 bps), under the 500 bps band.
	e.requireBalances(t, 9_800, 88_200)
	require.Len(t, e.sink.ofType(model.EventProfitWithdraw), 1)
	assert.Empty(t, e.sink.ofType(model.EventWithdraw))
	pulls := e.sink.ofType(model.EventRebalance)
	require.Len(t, pulls, 2)
	assert.Equal(t, model.DirectionFromStrategy, pulls[1].Direction)
	requireInt(t, 5_000, pulls[1].Assets)
	e.requireConserved(t)
}

func TestWithdrawProfit_NoGainIsNoop(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.RealizeLoss(n(100)))

	assets, shares, err := e.vault.WithdrawProfit(context.Background(), alice)
	require.NoError(t, err)
	requireInt(t, 0, assets)
	requireInt(t, 0, shares)
	requireInt(t, 98_000, e.vault.TotalShares())
	assert.Empty(t, e.sink.ofType(model.EventProfitWithdraw))
}

func TestWithdrawProfit_CappedByWithdrawLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(5_000)))
	require.NoError(t, e.vault.SetWithdrawLimit(ctx, owner, n(2_000)))

	assets, _, err := e.vault.WithdrawProfit(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 2_000, assets)

	// Burned shares carry their proportional basis, so most of the gain is
	// still unrealized and the next call is capped again.
	assets, shares, err := e.vault.WithdrawProfit(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 2_000, assets)
	requireInt(t, 1_903, shares)

	pos, err := e.vault.Position(ctx, alice)
	require.NoError(t, err)
	requireInt(t, 94_194, pos.CostBasis)
	assert.True(t, pos.UnrealizedProfit.LT(n(5_000)), "remaining profit %s", pos.UnrealizedProfit)
	e.requireConserved(t)
}

func TestWithdrawProfit_Lifecycle(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.vault.WithdrawProfit(context.Background(), alice)
	require.ErrorIs(t, err, vault.ErrNoShares)

	e.deposit(t, alice, 1_000)
	require.NoError(t, e.vault.Pause(context.Background(), owner))
	_, _, err = e.vault.WithdrawProfit(context.Background(), alice)
	require.ErrorIs(t, err, vault.ErrPaused)
}

// --- Rebalancing tests ---

func TestRebalance_PushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, withoutStrategy)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.vault.SetStrategy(ctx, owner, e.strat))

	res, err := e.vault.Rebalance(ctx, owner)
	require.NoError(t, err)
	requireInt(t, 88_200, res.Moved)
	e.requireBalances(t, 9_800, 88_200)

	res, err = e.vault.Rebalance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, res.Noop())
	e.requireBalances(t, 9_800, 88_200)
	requireInt(t, 0, e.ledger.Allowance(vaultAcct, stratAcct))
	e.requireConserved(t)
}

func TestRebalance_PropagatesFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no strategy", func(t *testing.T) {
		e := newEnv(t, withoutStrategy)
		e.deposit(t, alice, 1_000)
		_, err := e.vault.Rebalance(ctx, owner)
		require.ErrorIs(t, err, vault.ErrNoStrategy)
	})
	t.Run("zero managed value", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.vault.Rebalance(ctx, owner)
		require.ErrorIs(t, err, vault.ErrZeroManagedValue)
	})
	t.Run("inactive strategy", func(t *testing.T) {
		e := newEnv(t, withoutStrategy)
		e.deposit(t, alice, 1_000)
		require.NoError(t, e.vault.SetStrategy(ctx, owner, e.strat))
		e.strat.SetActive(false)
		_, err := e.vault.Rebalance(ctx, owner)
		require.ErrorIs(t, err, vault.ErrStrategyInactive)
	})
	t.Run("not owner", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.vault.Rebalance(ctx, alice)
		require.ErrorIs(t, err, vault.ErrUnauthorized)
	})
}

// erroringStrategy fails every withdrawal.
type erroringStrategy struct {
	*strategy.Simulated
}

func (erroringStrategy) Withdraw(context.Context, math.Int) (math.Int, error) {
	return math.ZeroInt(), errors.New("lending pool frozen")
}

func TestWithdraw_PullCheckFailureIsAbsorbed(t *testing.T) {
	var strat erroringStrategy
	e := newEnv(t, func(o *envOptions) {
		strat = erroringStrategy{Simulated: o.strategy.(*strategy.Simulated)}
		o.strategy = strat
	})
	e.deposit(t, alice, 100_000)

	// Served locally, but leaves local under the band.
	_, err := e.vault.Withdraw(context.Background(), alice, n(9_000), alice, alice)
	require.NoError(t, err)
	e.requireBalances(t, 800, 88_200)

	failed := e.sink.ofType(model.EventRebalanceFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.DirectionFromStrategy, failed[0].Direction)

	_, err = e.vault.Withdraw(context.Background(), alice, n(5_000), alice, alice)
	require.ErrorIs(t, err, vault.ErrStrategyCall)
	e.requireConserved(t)
}

// --- Re-entrancy tests ---

// hostileStrategy calls back into the vault from inside strategy calls.
type hostileStrategy struct {
	*strategy.Simulated
	onDeposit  func(ctx context.Context)
	onWithdraw func(ctx context.Context)
}

func (h *hostileStrategy) Deposit(ctx context.Context, amount math.Int) (math.Int, error) {
	if h.onDeposit != nil {
		h.onDeposit(ctx)
	}
	return h.Simulated.Deposit(ctx, amount)
}

func (h *hostileStrategy) Withdraw(ctx context.Context, amount math.Int) (math.Int, error) {
	if h.onWithdraw != nil {
		h.onWithdraw(ctx)
	}
	return h.Simulated.Withdraw(ctx, amount)
}

func TestReentrancy_NestedCallsFailFast(t *testing.T) {
	hostile := &hostileStrategy{}
	e := newEnv(t, func(o *envOptions) {
		hostile.Simulated = o.strategy.(*strategy.Simulated)
		o.strategy = hostile
	})
	e.fund(t, bob, 50_000)

	var nested []error
	var observed model.VaultStats
	hostile.onDeposit = func(ctx context.Context) {
		_, err := e.vault.Deposit(ctx, bob, n(50_000), bob)
		nested = append(nested, err)
		_, err = e.vault.Withdraw(ctx, alice, n(1), stratAcct, alice)
		nested = append(nested, err)
		_, _, err = e.vault.WithdrawProfit(ctx, alice)
		nested = append(nested, err)
		_, err = e.vault.Rebalance(ctx, owner)
		nested = append(nested, err)
		nested = append(nested, e.vault.SetManagementFee(ctx, owner, 0))

		// Queries do not block inside a callback.
		var qerr error
		observed, qerr = e.vault.Stats(ctx)
		require.NoError(t, qerr)
	}

	shares := e.deposit(t, alice, 100_000)

	requireInt(t, 98_000, shares)
	require.Len(t, nested, 5)
	for i, err := range nested {
		require.ErrorIs(t, err, vault.ErrReentrantCall, "nested call %d", i)
	}
	// The callback saw committed state, never a half-applied deposit.
	requireInt(t, 98_000, observed.TotalShares)
	requireInt(t, 98_000, observed.TotalAssets)
	assert.Equal(t, uint32(200), e.vault.Params().ManagementFeeBPS)
	requireInt(t, 50_000, e.ledger.BalanceOf(bob))
	e.requireConserved(t)
}

func TestReentrancy_DuringForcedPull(t *testing.T) {
	hostile := &hostileStrategy{}
	e := newEnv(t, func(o *envOptions) {
		hostile.Simulated = o.strategy.(*strategy.Simulated)
		o.strategy = hostile
	})
	e.deposit(t, alice, 100_000)

	var nested error
	hostile.onWithdraw = func(ctx context.Context) {
		if nested == nil {
			_, nested = e.vault.Withdraw(ctx, alice, n(1_000), alice, alice)
		}
	}

	_, err := e.vault.Withdraw(context.Background(), alice, n(50_000), alice, alice)
	require.NoError(t, err)
	require.ErrorIs(t, nested, vault.ErrReentrantCall)
	requireInt(t, 50_000, e.ledger.BalanceOf(alice))
	e.requireConserved(t)
}

// --- Admin tests ---

func TestAdmin_ParameterBounds(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		apply   func(v *vault.Vault) error
		wantErr error
	}{
		{"fee at max", func(v *vault.Vault) error { return v.SetManagementFee(ctx, owner, 1_000) }, nil},
		{"fee above max", func(v *vault.Vault) error { return v.SetManagementFee(ctx, owner, 1_001) }, vault.ErrInvalidFee},
		{"target at min", func(v *vault.Vault) error { return v.SetTargetLiquidity(ctx, owner, 500) }, nil},
		{"target below min", func(v *vault.Vault) error { return v.SetTargetLiquidity(ctx, owner, 499) }, vault.ErrInvalidTarget},
		{"target at max", func(v *vault.Vault) error { return v.SetTargetLiquidity(ctx, owner, 5_000) }, nil},
		{"target above max", func(v *vault.Vault) error { return v.SetTargetLiquidity(ctx, owner, 5_001) }, vault.ErrInvalidTarget},
		{"threshold zero", func(v *vault.Vault) error { return v.SetRebalanceThreshold(ctx, owner, 0) }, nil},
		{"threshold above target", func(v *vault.Vault) error { return v.SetRebalanceThreshold(ctx, owner, 1_001) }, vault.ErrInvalidThreshold},
		{"deposit limit zero", func(v *vault.Vault) error { return v.SetDepositLimit(ctx, owner, n(0)) }, vault.ErrInvalidLimit},
		{"withdraw limit nil", func(v *vault.Vault) error { return v.SetWithdrawLimit(ctx, owner, math.Int{}) }, vault.ErrInvalidLimit},
		{"non-owner", func(v *vault.Vault) error { return v.SetManagementFee(ctx, alice, 0) }, vault.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			before := e.vault.Params()
			err := tt.apply(e.vault)
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.Len(t, e.sink.ofType(model.EventParamChanged), 1)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			after := e.vault.Params()
			assert.Equal(t, before.ManagementFeeBPS, after.ManagementFeeBPS)
			assert.Equal(t, before.TargetLiquidityBPS, after.TargetLiquidityBPS)
			assert.Equal(t, before.RebalanceThresholdBPS, after.RebalanceThresholdBPS)
			assert.Empty(t, e.sink.ofType(model.EventParamChanged))
		})
	}
}

func TestAdmin_ChangeRecordCarriesOldAndNew(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.vault.SetManagementFee(context.Background(), owner, 50))

	changes := e.sink.ofType(model.EventParamChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, vault.ParamManagementFee, changes[0].Param)
	assert.Equal(t, "200", changes[0].OldValue)
	assert.Equal(t, "50", changes[0].NewValue)
	assert.Equal(t, owner, changes[0].Actor)
	assert.Equal(t, epoch, changes[0].Timestamp)

	// Takes effect on the next deposit.
	e.fund(t, alice, 10_000)
	_, err := e.vault.Deposit(context.Background(), alice, n(10_000), alice)
	require.NoError(t, err)
	requireInt(t, 50, e.ledger.BalanceOf(owner))
}

func TestAdmin_PauseGatesUserOperationsOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)

	require.NoError(t, e.vault.Pause(ctx, owner))
	require.ErrorIs(t, e.vault.Pause(ctx, owner), vault.ErrPaused)
	assert.True(t, e.vault.Paused())

	e.fund(t, bob, 100)
	_, err := e.vault.Deposit(ctx, bob, n(100), bob)
	require.ErrorIs(t, err, vault.ErrPaused)
	_, err = e.vault.Withdraw(ctx, alice, n(100), alice, alice)
	require.ErrorIs(t, err, vault.ErrPaused)

	require.NoError(t, e.vault.SetManagementFee(ctx, owner, 100))
	_, err = e.vault.Rebalance(ctx, owner)
	require.NoError(t, err)

	require.ErrorIs(t, e.vault.Unpause(ctx, alice), vault.ErrUnauthorized)
	require.NoError(t, e.vault.Unpause(ctx, owner))
	require.ErrorIs(t, e.vault.Unpause(ctx, owner), vault.ErrNotPaused)

	_, err = e.vault.Withdraw(ctx, alice, n(100), alice, alice)
	require.NoError(t, err)
}

func TestAdmin_EmergencyExitRequiresPause(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)

	_, err := e.vault.EmergencyWithdrawFromStrategy(ctx, owner)
	require.ErrorIs(t, err, vault.ErrNotPaused)
	_, err = e.vault.EmergencyWithdraw(ctx, owner)
	require.ErrorIs(t, err, vault.ErrNotPaused)

	require.NoError(t, e.vault.Pause(ctx, owner))
	_, err = e.vault.EmergencyWithdraw(ctx, alice)
	require.ErrorIs(t, err, vault.ErrUnauthorized)

	pulled, err := e.vault.EmergencyWithdrawFromStrategy(ctx, owner)
	require.NoError(t, err)
	requireInt(t, 88_200, pulled)
	e.requireBalances(t, 98_000, 0)
	e.requireConserved(t)

	sent, err := e.vault.EmergencyWithdraw(ctx, owner)
	require.NoError(t, err)
	requireInt(t, 98_000, sent)
	requireInt(t, 100_000, e.ledger.BalanceOf(owner)) // fee plus the swept balance
	require.Len(t, e.sink.ofType(model.EventEmergencyWithdraw), 1)
	require.Len(t, e.sink.ofType(model.EventStrategyEmergencyWithdraw), 1)
}

func TestAdmin_SetStrategyRefusesWhileFunded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)

	replacement := strategy.NewSimulated(e.ledger, account.FromSeed(0x57a8), vaultAcct)
	require.ErrorIs(t, e.vault.SetStrategy(ctx, owner, replacement), vault.ErrStrategyHasFunds)
	require.ErrorIs(t, e.vault.SetStrategy(ctx, owner, nil), vault.ErrStrategyHasFunds)
	require.ErrorIs(t, e.vault.SetStrategy(ctx, bob, nil), vault.ErrUnauthorized)
	require.ErrorIs(t, e.vault.SetStrategy(ctx, owner, strategy.NewSimulated(e.ledger, vaultAcct, vaultAcct)), vault.ErrInvalidAccount)
	require.ErrorIs(t, e.vault.SetStrategy(ctx, owner, strategy.NewSimulated(e.ledger, owner, vaultAcct)), vault.ErrInvalidAccount)

	require.NoError(t, e.vault.Pause(ctx, owner))
	_, err := e.vault.EmergencyWithdrawFromStrategy(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, e.vault.SetStrategy(ctx, owner, replacement))

	changes := e.sink.ofType(model.EventParamChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, stratAcct, changes[0].OldValue)
	assert.Equal(t, account.FromSeed(0x57a8), changes[0].NewValue)
	e.requireConserved(t)
}

func TestAdmin_HarvestCrystallizesYield(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(1_500)))

	before, err := e.vault.TotalAssets(ctx)
	require.NoError(t, err)

	got, err := e.vault.Harvest(ctx, owner)
	require.NoError(t, err)
	requireInt(t, 1_500, got)
	e.requireBalances(t, 11_300, 88_200)

	after, err := e.vault.TotalAssets(ctx)
	require.NoError(t, err)
	require.True(t, before.Equal(after))

	_, err = e.vault.Harvest(ctx, alice)
	require.ErrorIs(t, err, vault.ErrUnauthorized)
}

// --- Query tests ---

func TestQueries_PreviewMatchesExecution(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(5_000)))

	preview, err := e.vault.PreviewDeposit(ctx, n(10_000))
	require.NoError(t, err)
	got := e.deposit(t, bob, 10_000)
	require.True(t, preview.Equal(got), "preview %s, minted %s", preview, got)

	preview, err = e.vault.PreviewWithdraw(ctx, n(3_000))
	require.NoError(t, err)
	burned, err := e.vault.Withdraw(ctx, bob, n(3_000), bob, bob)
	require.NoError(t, err)
	require.True(t, preview.Equal(burned), "preview %s, burned %s", preview, burned)
}

func TestQueries_Stats(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(9_800)))

	stats, err := e.vault.Stats(ctx)
	require.NoError(t, err)
	requireInt(t, 107_800, stats.TotalAssets)
	requireInt(t, 9_800, stats.LocalBalance)
	requireInt(t, 98_000, stats.StrategyBalance)
	requireInt(t, 98_000, stats.TotalShares)
	requireInt(t, 2_000, stats.FeesCollected)
	assert.Equal(t, uint32(909), stats.LiquidityRatioBPS)
	assert.Equal(t, "1.1", stats.SharePrice.String())
	assert.True(t, stats.StrategyConfigured)
	assert.True(t, stats.StrategyActive)
	assert.False(t, stats.Paused)
}

func TestQueries_ConversionRounding(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	shares, err := e.vault.ConvertToShares(ctx, n(777))
	require.NoError(t, err)
	requireInt(t, 777, shares, "bootstrap is 1:1")

	e.deposit(t, alice, 100_000)
	require.NoError(t, e.strat.AccrueYield(n(5_000)))

	shares, err = e.vault.ConvertToShares(ctx, n(5_000))
	require.NoError(t, err)
	requireInt(t, 4_757, shares)
	assets, err := e.vault.ConvertToAssets(ctx, shares)
	require.NoError(t, err)
	assert.True(t, assets.LTE(n(5_000)))

	burned, err := e.vault.PreviewWithdraw(ctx, n(5_000))
	require.NoError(t, err)
	requireInt(t, 4_758, burned, "withdrawals round the burn up")
}

func TestNew_RejectsBadConfig(t *testing.T) {
	l := ledger.NewMemory()
	bad := vault.DefaultParams()
	bad.ManagementFeeBPS = 5_000

	tests := []struct {
		name    string
		cfg     vault.Config
		wantErr error
	}{
		{"bad account", vault.Config{Account: "vault", Owner: owner, Params: vault.DefaultParams()}, vault.ErrInvalidConfig},
		{"zero owner", vault.Config{Account: vaultAcct, Owner: account.Zero, Params: vault.DefaultParams()}, vault.ErrInvalidConfig},
		{"owner is vault", vault.Config{Account: vaultAcct, Owner: vaultAcct, Params: vault.DefaultParams()}, vault.ErrInvalidConfig},
		{"bad params", vault.Config{Account: vaultAcct, Owner: owner, Params: bad}, vault.ErrInvalidFee},
		{"bad policy", vault.Config{Account: vaultAcct, Owner: owner, Params: vault.DefaultParams(), NoStrategyPolicy: "sometimes"}, vault.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vault.New(l, tt.cfg)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	good := vault.Config{Account: vaultAcct, Owner: owner, Params: vault.DefaultParams()}
	for name, acct := range map[string]string{"strategy is vault": vaultAcct, "strategy is owner": owner} {
		t.Run(name, func(t *testing.T) {
			s := strategy.NewSimulated(l, acct, vaultAcct)
			_, err := vault.New(l, good, vault.WithStrategy(s))
			require.ErrorIs(t, err, vault.ErrInvalidConfig)
		})
	}
}
