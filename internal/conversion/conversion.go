// Package conversion implements the share/asset exchange math for the vault.
//
// Shares are pro-rata claims on total managed value:
//   - First deposit (no shares outstanding) converts 1:1
//   - Shares minted = floor(assets * totalShares / totalAssets)
//   - Shares burned = ceil(assets * totalShares / totalAssets)
//   - Assets paid   = floor(shares * totalAssets / totalShares)
//
// Rounding always goes against the caller: fewer shares minted, more shares
// burned, fewer assets paid out. The dust stays in the vault, so the price
// per share never falls from rounding and no holder can gain at another's
// expense.
//
// All amounts use cosmossdk.io/math.Int (arbitrary precision, never float64).
package conversion

import (
	"errors"

	"cosmossdk.io/math"
)

// BPSDenominator is 100% expressed in basis points.
const BPSDenominator = 10_000

var (
	// ErrNegativeAmount is returned when any input amount is negative.
	ErrNegativeAmount = errors.New("conversion: amounts must not be negative")

	// ErrZeroManagedValue is returned when shares are outstanding but the
	// vault manages no value, so no exchange rate exists.
	ErrZeroManagedValue = errors.New("conversion: shares outstanding against zero managed value")

	// ErrInvalidBPS is returned for a basis-point value above 100%.
	ErrInvalidBPS = errors.New("conversion: basis points must be within [0, 10000]")
)

// Rate is a snapshot of the totals that determine the exchange rate. It is
// stateless: totals are read from the vault and passed in.
type Rate struct {
	TotalAssets math.Int
	TotalShares math.Int
}

// NewRate returns a Rate, treating nil totals as zero.
func NewRate(totalAssets, totalShares math.Int) Rate {
	return Rate{TotalAssets: orZero(totalAssets), TotalShares: orZero(totalShares)}
}

// Bootstrap reports whether no shares are outstanding (1:1 pricing).
func (r Rate) Bootstrap() bool {
	return r.TotalShares.IsZero()
}

func (r Rate) validate(amount math.Int) error {
	if amount.IsNegative() || r.TotalAssets.IsNegative() || r.TotalShares.IsNegative() {
		return ErrNegativeAmount
	}
	if !r.Bootstrap() && r.TotalAssets.IsZero() {
		return ErrZeroManagedValue
	}
	return nil
}

// AssetsToShares converts an asset amount to shares, rounding down:
//
//	shares = floor(assets * totalShares / totalAssets)
//
// With no shares outstanding the conversion is 1:1.
func (r Rate) AssetsToShares(assets math.Int) (math.Int, error) {
	assets = orZero(assets)
	if err := r.validate(assets); err != nil {
		return math.ZeroInt(), err
	}
	if r.Bootstrap() {
		return assets, nil
	}
	return assets.Mul(r.TotalShares).Quo(r.TotalAssets), nil
}

// AssetsToSharesUp converts an asset amount to the shares that must be
// burned to release it, rounding up:
//
//	shares = ceil(assets * totalShares / totalAssets)
//
// With no shares outstanding the conversion is 1:1.
func (r Rate) AssetsToSharesUp(assets math.Int) (math.Int, error) {
	assets = orZero(assets)
	if err := r.validate(assets); err != nil {
		return math.ZeroInt(), err
	}
	if r.Bootstrap() {
		return assets, nil
	}
	return mulDivUp(assets, r.TotalShares, r.TotalAssets), nil
}

// SharesToAssets converts a share amount to assets, rounding down:
//
//	assets = floor(shares * totalAssets / totalShares)
//
// With no shares outstanding the conversion is 1:1.
func (r Rate) SharesToAssets(shares math.Int) (math.Int, error) {
	shares = orZero(shares)
	if err := r.validate(shares); err != nil {
		return math.ZeroInt(), err
	}
	if r.Bootstrap() {
		return shares, nil
	}
	return shares.Mul(r.TotalAssets).Quo(r.TotalShares), nil
}

// ApplyBPS returns floor(amount * bps / 10000).
func ApplyBPS(amount math.Int, bps uint32) (math.Int, error) {
	amount = orZero(amount)
	if amount.IsNegative() {
		return math.ZeroInt(), ErrNegativeAmount
	}
	if bps > BPSDenominator {
		return math.ZeroInt(), ErrInvalidBPS
	}
	return amount.MulRaw(int64(bps)).QuoRaw(BPSDenominator), nil
}

// SplitFee splits a gross amount into (fee, net) where
//
//	fee = floor(gross * feeBPS / 10000), net = gross - fee
//
// so fee + net == gross exactly.
func SplitFee(gross math.Int, feeBPS uint32) (fee, net math.Int, err error) {
	fee, err = ApplyBPS(gross, feeBPS)
	if err != nil {
		return math.ZeroInt(), math.ZeroInt(), err
	}
	return fee, orZero(gross).Sub(fee), nil
}

// RatioBPS returns floor(part * 10000 / total). A zero total yields zero.
func RatioBPS(part, total math.Int) (uint32, error) {
	part, total = orZero(part), orZero(total)
	if part.IsNegative() || total.IsNegative() {
		return 0, ErrNegativeAmount
	}
	if total.IsZero() {
		return 0, nil
	}
	ratio := part.MulRaw(BPSDenominator).Quo(total)
	if ratio.GT(math.NewInt(BPSDenominator)) {
		return BPSDenominator, nil
	}
	return uint32(ratio.Uint64()), nil
}

// ProportionalReduction returns floor(basis * removed / (remaining + removed)),
// the part of a cost basis attributable to the removed fraction of a
// position. A full exit (remaining == 0) returns the whole basis.
func ProportionalReduction(basis, removed, remaining math.Int) (math.Int, error) {
	basis, removed, remaining = orZero(basis), orZero(removed), orZero(remaining)
	if basis.IsNegative() || removed.IsNegative() || remaining.IsNegative() {
		return math.ZeroInt(), ErrNegativeAmount
	}
	if remaining.IsZero() {
		return basis, nil
	}
	return basis.Mul(removed).Quo(remaining.Add(removed)), nil
}

// mulDivUp returns ceil(a * b / d) for non-negative a, b and positive d.
func mulDivUp(a, b, d math.Int) math.Int {
	return a.Mul(b).Add(d).SubRaw(1).Quo(d)
}

func orZero(i math.Int) math.Int {
	if i.IsNil() {
		return math.ZeroInt()
	}
	return i
}
