// Package vault implements the tokenized-vault accounting engine: share
// issuance and redemption against a unit-of-account asset, deposit fees,
// per-user cost basis, and rebalancing of idle liquidity into a single
// external yield strategy.
//
// Every mutating entry point runs under a re-entrancy guard. The asset
// ledger and the strategy are untrusted: a nested call into any mutating
// entry point while one is in flight fails with ErrReentrantCall. State is
// committed only after the external calls of an operation succeed, and
// asset movements already made are compensated when a later step fails.
package vault

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/conversion"
	"github.com/atmx/yield-vault/internal/model"
)

// AssetLedger moves the unit-of-account asset between accounts.
type AssetLedger interface {
	BalanceOf(acct string) math.Int
	Approve(owner, spender string, amount math.Int) error
	Transfer(from, to string, amount math.Int) error
	TransferFrom(spender, from, to string, amount math.Int) error
}

// Strategy is an external yield source holding part of the managed value.
type Strategy interface {
	// Account is the ledger account the vault approves before Deposit.
	Account() string
	Deposit(ctx context.Context, amount math.Int) (math.Int, error)
	// Withdraw may return less than requested.
	Withdraw(ctx context.Context, amount math.Int) (math.Int, error)
	BalanceOf(ctx context.Context) (math.Int, error)
	Harvest(ctx context.Context) (math.Int, error)
	IsActive(ctx context.Context) bool
	EmergencyWithdraw(ctx context.Context) (math.Int, error)
}

// EventSink receives every event the vault emits. Publish runs after the
// operation has committed; a failing sink is logged and never fails the
// operation.
type EventSink interface {
	Publish(ctx context.Context, e model.Event) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, model.Event) error { return nil }

// NoStrategyPolicy decides what a deposit does when no strategy is set.
type NoStrategyPolicy string

const (
	// NoStrategySkip accepts the deposit and keeps everything local.
	NoStrategySkip NoStrategyPolicy = "skip"
	// NoStrategyStrict rejects the deposit before any asset moves.
	NoStrategyStrict NoStrategyPolicy = "strict"
)

// ParseNoStrategyPolicy maps a config string to a policy. Empty means skip.
func ParseNoStrategyPolicy(s string) (NoStrategyPolicy, error) {
	switch NoStrategyPolicy(s) {
	case "", NoStrategySkip:
		return NoStrategySkip, nil
	case NoStrategyStrict:
		return NoStrategyStrict, nil
	default:
		return "", errorsmod.Wrapf(ErrInvalidConfig, "unknown no-strategy policy %q", s)
	}
}

// Config holds the construction-time settings of a vault.
type Config struct {
	Account          string // the vault's own ledger account
	Owner            string // admin and fee recipient
	Params           Params
	NoStrategyPolicy NoStrategyPolicy
}

// Option customizes a Vault.
type Option func(*Vault)

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l zerolog.Logger) Option { return func(v *Vault) { v.log = l } }

// WithSink sets the event sink.
func WithSink(s EventSink) Option { return func(v *Vault) { v.sink = s } }

// WithClock replaces time.Now for event and position timestamps.
func WithClock(now func() time.Time) Option { return func(v *Vault) { v.now = now } }

// WithStrategy sets the initial strategy.
func WithStrategy(s Strategy) Option { return func(v *Vault) { v.strategy = s } }

// Vault is the accounting engine. It is safe for concurrent use, but
// mutations are single-caller and do not queue: a second mutation started
// while one is in flight fails with ErrReentrantCall, whether it is nested or
// merely concurrent. Callers that serve concurrent clients serialize in front
// of it, as api.Service does.
type Vault struct {
	ledger  AssetLedger
	account string
	owner   string
	policy  NoStrategyPolicy
	log     zerolog.Logger
	sink    EventSink
	now     func() time.Time

	inFlight atomic.Bool

	// mu guards the fields below. It is never held across a call into the
	// ledger, the strategy or the sink.
	mu          sync.RWMutex
	params      Params
	strategy    Strategy
	paused      bool
	positions   map[string]*model.Position
	allowances  map[string]map[string]math.Int // owner → spender → shares
	totalShares math.Int
	totalFees   math.Int
	totalUsers  int
}

// New creates a vault over an asset ledger.
func New(l AssetLedger, cfg Config, opts ...Option) (*Vault, error) {
	if l == nil {
		return nil, errorsmod.Wrap(ErrInvalidConfig, "nil asset ledger")
	}
	acct, err := account.Parse(cfg.Account)
	if err != nil {
		return nil, errorsmod.Wrapf(ErrInvalidConfig, "vault account: %v", err)
	}
	owner, err := account.Parse(cfg.Owner)
	if err != nil {
		return nil, errorsmod.Wrapf(ErrInvalidConfig, "owner: %v", err)
	}
	if acct == owner {
		return nil, errorsmod.Wrap(ErrInvalidConfig, "owner must differ from the vault account")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParseNoStrategyPolicy(string(cfg.NoStrategyPolicy))
	if err != nil {
		return nil, err
	}

	v := &Vault{
		ledger:      l,
		account:     acct,
		owner:       owner,
		policy:      policy,
		log:         zerolog.Nop(),
		sink:        nopSink{},
		now:         time.Now,
		params:      cfg.Params,
		positions:   make(map[string]*model.Position),
		allowances:  make(map[string]map[string]math.Int),
		totalShares: math.ZeroInt(),
		totalFees:   math.ZeroInt(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.strategy != nil {
		if err := v.checkStrategyAccount(v.strategy, ErrInvalidConfig); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// checkStrategyAccount rejects a strategy whose funds would sit in the vault
// or owner account, where they would be counted twice or mixed with fees.
func (v *Vault) checkStrategyAccount(s Strategy, kind *errorsmod.Error) error {
	acct, err := account.Parse(s.Account())
	if err != nil {
		return errorsmod.Wrapf(kind, "strategy account: %v", err)
	}
	if acct == v.account || acct == v.owner {
		return errorsmod.Wrapf(kind, "strategy account %s must differ from the vault and owner accounts", acct)
	}
	return nil
}

// Account returns the vault's ledger account.
func (v *Vault) Account() string { return v.account }

// Owner returns the admin account, which also receives deposit fees.
func (v *Vault) Owner() string { return v.owner }

// enter claims the re-entrancy guard for one mutating operation.
func (v *Vault) enter() (func(), error) {
	if !v.inFlight.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { v.inFlight.Store(false) }, nil
}

// journal records compensating asset movements for a partially executed
// operation. rollback applies them newest first.
type journal struct {
	undo []func() error
}

func (j *journal) push(fn func() error) { j.undo = append(j.undo, fn) }

func (j *journal) rollback(log zerolog.Logger) {
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](); err != nil {
			log.Error().Err(err).Int("step", i).Msg("rollback step failed")
		}
	}
}

// config is a consistent copy of the mutable settings.
type config struct {
	params   Params
	strategy Strategy
	paused   bool
}

func (v *Vault) config() config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return config{params: v.params, strategy: v.strategy, paused: v.paused}
}

// balances splits total managed value into its two locations.
type balances struct {
	local    math.Int
	strategy math.Int
}

func (b balances) total() math.Int { return b.local.Add(b.strategy) }

func (v *Vault) readBalances(ctx context.Context, s Strategy) (balances, error) {
	b := balances{local: v.ledger.BalanceOf(v.account), strategy: math.ZeroInt()}
	if s == nil {
		return b, nil
	}
	sb, err := s.BalanceOf(ctx)
	if err != nil {
		return b, errorsmod.Wrapf(ErrStrategyCall, "balance: %v", err)
	}
	if !sb.IsNil() && sb.IsPositive() {
		b.strategy = sb
	}
	return b, nil
}

func (v *Vault) rate(b balances) conversion.Rate {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return conversion.NewRate(b.total(), v.totalShares)
}

func (v *Vault) position(acct string) model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if p, ok := v.positions[acct]; ok {
		return *p
	}
	return model.NewPosition(acct)
}

// positionLocked returns the stored position, creating it. Callers hold mu.
func (v *Vault) positionLocked(acct string) *model.Position {
	p, ok := v.positions[acct]
	if !ok {
		np := model.NewPosition(acct)
		p = &np
		v.positions[acct] = p
	}
	return p
}

func (v *Vault) requireOwner(caller string) error {
	c, err := account.Parse(caller)
	if err != nil || c != v.owner {
		return errorsmod.Wrapf(ErrUnauthorized, "caller %s", caller)
	}
	return nil
}

func parseAccount(addr string, kind *errorsmod.Error) (string, error) {
	a, err := account.Parse(addr)
	if err != nil {
		return "", errorsmod.Wrapf(kind, "%q: %v", addr, err)
	}
	return a, nil
}

func convErr(err error) error {
	if errors.Is(err, conversion.ErrZeroManagedValue) {
		return errorsmod.Wrap(ErrZeroManagedValue, err.Error())
	}
	return err
}

func (v *Vault) publish(ctx context.Context, e model.Event) {
	e.ID = uuid.NewString()
	e.Timestamp = v.now()
	e.Normalize()
	if err := v.sink.Publish(ctx, e); err != nil {
		v.log.Warn().Err(err).
			Str("event", string(e.Type)).
			Str("id", e.ID).
			Msg("event sink failed")
	}
}
