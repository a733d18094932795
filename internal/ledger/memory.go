// Package ledger provides an in-process implementation of the unit-of-account
// asset: balances, allowances and atomic transfers between accounts.
//
// The vault treats the asset as an external collaborator. Memory is used by
// the simulated deployment in cmd/vaultd and as the test double everywhere.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"cosmossdk.io/math"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInvalidAmount         = errors.New("ledger: amount must not be negative")
)

// Memory implements an asset ledger with in-memory maps. Each call is atomic:
// a failed transfer moves nothing.
type Memory struct {
	mu         sync.RWMutex
	balances   map[string]math.Int
	allowances map[string]map[string]math.Int // owner → spender → amount
	supply     math.Int
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[string]math.Int),
		allowances: make(map[string]map[string]math.Int),
		supply:     math.ZeroInt(),
	}
}

// BalanceOf returns the balance held by an account.
func (l *Memory) BalanceOf(acct string) math.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(acct)
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Memory) Allowance(owner, spender string) math.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceLocked(owner, spender)
}

// TotalSupply returns the sum of all balances.
func (l *Memory) TotalSupply() math.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// Approve sets (not increases) spender's allowance over owner's balance.
func (l *Memory) Approve(owner, spender string, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]math.Int)
	}
	l.allowances[owner][spender] = amount
	return nil
}

// Transfer moves amount from one account to another.
func (l *Memory) Transfer(from, to string, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moveLocked(from, to, amount)
}

// TransferFrom moves amount out of from's balance on behalf of spender,
// consuming spender's allowance. Balance and allowance are checked before
// either is touched.
func (l *Memory) TransferFrom(spender, from, to string, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowanceLocked(from, spender)
	if allowed.LT(amount) {
		return fmt.Errorf("%w: %s allowed %s over %s, needs %s",
			ErrInsufficientAllowance, spender, allowed, from, amount)
	}
	if err := l.moveLocked(from, to, amount); err != nil {
		return err
	}
	l.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

// Mint creates new units in an account. Used to fund accounts and to
// simulate yield accruing inside a strategy.
func (l *Memory) Mint(to string, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[to] = l.balanceLocked(to).Add(amount)
	l.supply = l.supply.Add(amount)
	return nil
}

// Burn destroys units held by an account. Used to simulate strategy losses.
func (l *Memory) Burn(from string, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(from)
	if bal.LT(amount) {
		return fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientBalance, from, bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.supply = l.supply.Sub(amount)
	return nil
}

func (l *Memory) moveLocked(from, to string, amount math.Int) error {
	bal := l.balanceLocked(from)
	if bal.LT(amount) {
		return fmt.Errorf("%w: %s holds %s, sending %s", ErrInsufficientBalance, from, bal, amount)
	}
	if from == to {
		return nil
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balanceLocked(to).Add(amount)
	return nil
}

func (l *Memory) balanceLocked(acct string) math.Int {
	if b, ok := l.balances[acct]; ok {
		return b
	}
	return math.ZeroInt()
}

func (l *Memory) allowanceLocked(owner, spender string) math.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a
	}
	return math.ZeroInt()
}
