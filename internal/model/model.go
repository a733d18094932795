// Package model defines the core domain types shared across the vault engine.
// All monetary values use cosmossdk.io/math.Int in base units, never float64
// for money. Derived display ratios use shopspring/decimal.
package model

import (
	"time"

	"cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// Position is a user's holding in the vault. It is created lazily on the
// first successful deposit and never deleted; a fully exited position keeps
// its lifetime counters with zero shares and zero cost basis.
type Position struct {
	Account        string    `json:"account" db:"account"`
	Shares         math.Int  `json:"shares" db:"shares"`
	CostBasis      math.Int  `json:"cost_basis" db:"cost_basis"`           // assets attributed to held shares
	GrossDeposited math.Int  `json:"gross_deposited" db:"gross_deposited"` // lifetime, net of fees
	GrossWithdrawn math.Int  `json:"gross_withdrawn" db:"gross_withdrawn"` // lifetime
	FirstDepositAt time.Time `json:"first_deposit_at" db:"first_deposit_at"`
}

// NewPosition returns an all-zero position for an account.
func NewPosition(account string) Position {
	return Position{
		Account:        account,
		Shares:         math.ZeroInt(),
		CostBasis:      math.ZeroInt(),
		GrossDeposited: math.ZeroInt(),
		GrossWithdrawn: math.ZeroInt(),
	}
}

// PositionView is a Position marked to the current exchange rate.
type PositionView struct {
	Position
	Assets           math.Int `json:"assets"`            // shares converted at the current rate
	UnrealizedProfit math.Int `json:"unrealized_profit"` // max(0, assets - cost basis)
}

// VaultStats is the vault-wide snapshot served by the query surface.
type VaultStats struct {
	TotalAssets           math.Int        `json:"total_assets"`
	LocalBalance          math.Int        `json:"local_balance"`
	StrategyBalance       math.Int        `json:"strategy_balance"`
	TotalShares           math.Int        `json:"total_shares"`
	TotalUsers            int             `json:"total_users"`    // ever deposited
	ActiveHolders         int             `json:"active_holders"` // currently holding shares
	FeesCollected         math.Int        `json:"fees_collected"`
	MaxDepositLimit       math.Int        `json:"max_deposit_limit"`
	MaxWithdrawLimit      math.Int        `json:"max_withdraw_limit"`
	ManagementFeeBPS      uint32          `json:"management_fee_bps"`
	TargetLiquidityBPS    uint32          `json:"target_liquidity_bps"`
	RebalanceThresholdBPS uint32          `json:"rebalance_threshold_bps"`
	LiquidityRatioBPS     uint32          `json:"liquidity_ratio_bps"`
	SharePrice            decimal.Decimal `json:"share_price"` // assets per share
	Paused                bool            `json:"paused"`
	StrategyConfigured    bool            `json:"strategy_configured"`
	StrategyActive        bool            `json:"strategy_active"`
}

// EventType names the kind of state change an Event records.
type EventType string

const (
	EventDeposit                   EventType = "deposit"
	EventWithdraw                  EventType = "withdraw"
	EventProfitWithdraw            EventType = "profit_withdraw"
	EventSharesApproved            EventType = "shares_approved"
	EventRebalance                 EventType = "rebalance"
	EventRebalanceFailed           EventType = "rebalance_failed"
	EventHarvest                   EventType = "harvest"
	EventParamChanged              EventType = "param_changed"
	EventPaused                    EventType = "paused"
	EventUnpaused                  EventType = "unpaused"
	EventEmergencyWithdraw         EventType = "emergency_withdraw"
	EventStrategyEmergencyWithdraw EventType = "strategy_emergency_withdraw"
)

// Rebalance directions.
const (
	DirectionToStrategy   = "to_strategy"
	DirectionFromStrategy = "from_strategy"
)

// Event is an immutable record of one vault operation.
// Once created, these are never modified or deleted.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Type      EventType `json:"type" db:"type"`
	Actor     string    `json:"actor" db:"actor"`               // caller of the operation
	Account   string    `json:"account,omitempty" db:"account"` // share owner affected
	Receiver  string    `json:"receiver,omitempty" db:"receiver"`
	Assets    math.Int  `json:"assets" db:"assets"` // gross assets moved
	Fee       math.Int  `json:"fee" db:"fee"`
	Shares    math.Int  `json:"shares" db:"shares"` // minted (deposit) or burned (withdraw)
	Param     string    `json:"param,omitempty" db:"param"`
	OldValue  string    `json:"old_value,omitempty" db:"old_value"`
	NewValue  string    `json:"new_value,omitempty" db:"new_value"`
	Direction string    `json:"direction,omitempty" db:"direction"`
	Error     string    `json:"error,omitempty" db:"error"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Normalize replaces nil amounts with zero so events serialize uniformly.
func (e *Event) Normalize() {
	if e.Assets.IsNil() {
		e.Assets = math.ZeroInt()
	}
	if e.Fee.IsNil() {
		e.Fee = math.ZeroInt()
	}
	if e.Shares.IsNil() {
		e.Shares = math.ZeroInt()
	}
}
