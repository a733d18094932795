package vault

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
)

// Parameter bounds, in basis points.
const (
	MaxManagementFeeBPS      uint32 = 1_000
	MinTargetLiquidityBPS    uint32 = 500
	MaxTargetLiquidityBPS    uint32 = 5_000
	MaxRebalanceThresholdBPS uint32 = MaxTargetLiquidityBPS
)

// Params are the owner-tunable settings of the vault. They take effect for
// the next operation after they change.
type Params struct {
	MaxDepositLimit       math.Int
	MaxWithdrawLimit      math.Int
	ManagementFeeBPS      uint32
	TargetLiquidityBPS    uint32
	RebalanceThresholdBPS uint32
}

// DefaultParams returns the construction-time defaults: 1,000,000 whole
// units (18 decimals) per call, 2% fee, 10% local liquidity and a 5% band.
func DefaultParams() Params {
	limit := math.NewIntWithDecimal(1_000_000, 18)
	return Params{
		MaxDepositLimit:       limit,
		MaxWithdrawLimit:      limit,
		ManagementFeeBPS:      200,
		TargetLiquidityBPS:    1_000,
		RebalanceThresholdBPS: 500,
	}
}

// Validate checks every parameter against its bounds.
func (p Params) Validate() error {
	if err := validateFee(p.ManagementFeeBPS); err != nil {
		return err
	}
	if err := validateTarget(p.TargetLiquidityBPS); err != nil {
		return err
	}
	if err := validateThreshold(p.RebalanceThresholdBPS, p.TargetLiquidityBPS); err != nil {
		return err
	}
	if err := validateLimit("max deposit", p.MaxDepositLimit); err != nil {
		return err
	}
	return validateLimit("max withdraw", p.MaxWithdrawLimit)
}

// LowerBandBPS is the local liquidity ratio below which a withdrawal pulls
// funds back from the strategy. It saturates at zero.
func (p Params) LowerBandBPS() uint32 {
	if p.RebalanceThresholdBPS >= p.TargetLiquidityBPS {
		return 0
	}
	return p.TargetLiquidityBPS - p.RebalanceThresholdBPS
}

func validateFee(bps uint32) error {
	if bps > MaxManagementFeeBPS {
		return errorsmod.Wrapf(ErrInvalidFee, "%d bps above maximum %d", bps, MaxManagementFeeBPS)
	}
	return nil
}

func validateTarget(bps uint32) error {
	if bps < MinTargetLiquidityBPS || bps > MaxTargetLiquidityBPS {
		return errorsmod.Wrapf(ErrInvalidTarget, "%d bps outside [%d, %d]",
			bps, MinTargetLiquidityBPS, MaxTargetLiquidityBPS)
	}
	return nil
}

// The band may not reach past the target itself.
func validateThreshold(bps, target uint32) error {
	if bps > MaxRebalanceThresholdBPS || bps > target {
		return errorsmod.Wrapf(ErrInvalidThreshold, "%d bps above target liquidity %d", bps, target)
	}
	return nil
}

func validateLimit(name string, limit math.Int) error {
	if limit.IsNil() || !limit.IsPositive() {
		return errorsmod.Wrapf(ErrInvalidLimit, "%s limit %s", name, fmtInt(limit))
	}
	return nil
}

func fmtInt(i math.Int) string {
	if i.IsNil() {
		return "<nil>"
	}
	return i.String()
}

func fmtBPS(bps uint32) string { return fmt.Sprintf("%d", bps) }
