// Package strategy provides yield strategies the vault can deploy idle
// liquidity into.
//
// Simulated keeps its holdings as a plain balance on the asset ledger. Yield
// and losses are injected by minting or burning against that balance, which
// makes it suitable for local deployments and for driving the vault through
// gain, loss and illiquidity scenarios in tests.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cosmossdk.io/math"
)

var (
	ErrInactive      = errors.New("strategy: inactive")
	ErrUnknownCaller = errors.New("strategy: only the vault may move funds")
	ErrInvalidAmount = errors.New("strategy: amount must be positive")
)

// Ledger is the subset of the asset ledger the simulated strategy needs.
type Ledger interface {
	BalanceOf(acct string) math.Int
	Transfer(from, to string, amount math.Int) error
	TransferFrom(spender, from, to string, amount math.Int) error
	Mint(to string, amount math.Int) error
	Burn(from string, amount math.Int) error
}

// Simulated is a single-depositor strategy backed by a ledger account.
type Simulated struct {
	ledger  Ledger
	account string
	vault   string

	mu           sync.Mutex
	active       bool
	principal    math.Int // deposited minus withdrawn, basis for Harvest
	liquidityCap math.Int // nil means unlimited
}

// NewSimulated creates an active strategy holding funds in account on
// behalf of vault.
func NewSimulated(l Ledger, account, vault string) *Simulated {
	return &Simulated{
		ledger:    l,
		account:   account,
		vault:     vault,
		active:    true,
		principal: math.ZeroInt(),
	}
}

// Account returns the ledger account that holds the strategy's funds. The
// vault approves this account before calling Deposit.
func (s *Simulated) Account() string { return s.account }

// Deposit pulls amount from the vault using the vault's standing approval.
func (s *Simulated) Deposit(ctx context.Context, amount math.Int) (math.Int, error) {
	if err := ctx.Err(); err != nil {
		return math.ZeroInt(), err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return math.ZeroInt(), ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return math.ZeroInt(), ErrInactive
	}
	if err := s.ledger.TransferFrom(s.account, s.vault, s.account, amount); err != nil {
		return math.ZeroInt(), fmt.Errorf("strategy deposit %s: %w", amount, err)
	}
	s.principal = s.principal.Add(amount)
	return amount, nil
}

// Withdraw returns up to amount to the vault. When the balance or the
// liquidity cap cannot cover the request the strategy returns what it can.
func (s *Simulated) Withdraw(ctx context.Context, amount math.Int) (math.Int, error) {
	if err := ctx.Err(); err != nil {
		return math.ZeroInt(), err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return math.ZeroInt(), ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	send := math.MinInt(amount, s.availableLocked())
	if send.IsZero() {
		return send, nil
	}
	if err := s.ledger.Transfer(s.account, s.vault, send); err != nil {
		return math.ZeroInt(), fmt.Errorf("strategy withdraw %s: %w", send, err)
	}
	s.principal = s.principal.Sub(math.MinInt(send, s.principal))
	return send, nil
}

// BalanceOf reports everything the strategy holds, accrued yield included.
func (s *Simulated) BalanceOf(ctx context.Context) (math.Int, error) {
	if err := ctx.Err(); err != nil {
		return math.ZeroInt(), err
	}
	return s.ledger.BalanceOf(s.account), nil
}

// Harvest sends yield accrued above principal back to the vault.
func (s *Simulated) Harvest(ctx context.Context) (math.Int, error) {
	if err := ctx.Err(); err != nil {
		return math.ZeroInt(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.ledger.BalanceOf(s.account)
	if bal.LTE(s.principal) {
		return math.ZeroInt(), nil
	}
	profit := bal.Sub(s.principal)
	if err := s.ledger.Transfer(s.account, s.vault, profit); err != nil {
		return math.ZeroInt(), fmt.Errorf("strategy harvest %s: %w", profit, err)
	}
	return profit, nil
}

// IsActive reports whether the strategy accepts deposits.
func (s *Simulated) IsActive(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// EmergencyWithdraw returns the whole balance to the vault, ignoring the
// liquidity cap, and deactivates the strategy.
func (s *Simulated) EmergencyWithdraw(ctx context.Context) (math.Int, error) {
	if err := ctx.Err(); err != nil {
		return math.ZeroInt(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	bal := s.ledger.BalanceOf(s.account)
	if bal.IsPositive() {
		if err := s.ledger.Transfer(s.account, s.vault, bal); err != nil {
			return math.ZeroInt(), fmt.Errorf("strategy emergency withdraw: %w", err)
		}
	}
	s.principal = math.ZeroInt()
	return bal, nil
}

// AccrueYield mints amount into the strategy's balance.
func (s *Simulated) AccrueYield(amount math.Int) error {
	return s.ledger.Mint(s.account, amount)
}

// RealizeLoss burns amount from the strategy's balance.
func (s *Simulated) RealizeLoss(amount math.Int) error {
	return s.ledger.Burn(s.account, amount)
}

// SetActive toggles whether the strategy accepts deposits.
func (s *Simulated) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// SetLiquidityCap limits how much a single Withdraw can return. A nil or
// negative cap removes the limit.
func (s *Simulated) SetLiquidityCap(limit math.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit.IsNil() || limit.IsNegative() {
		s.liquidityCap = math.Int{}
		return
	}
	s.liquidityCap = limit
}

func (s *Simulated) availableLocked() math.Int {
	bal := s.ledger.BalanceOf(s.account)
	if !s.liquidityCap.IsNil() && s.liquidityCap.LT(bal) {
		return s.liquidityCap
	}
	return bal
}
