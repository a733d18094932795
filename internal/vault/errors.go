package vault

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

// ModuleName is the codespace of every registered vault error.
const ModuleName = "vault"

// Input validation.
var (
	ErrZeroAmount           = errorsmod.Register(ModuleName, 2, "amount must be positive")
	ErrInvalidReceiver      = errorsmod.Register(ModuleName, 3, "invalid receiver")
	ErrInvalidAccount       = errorsmod.Register(ModuleName, 4, "invalid account")
	ErrDepositLimitExceeded = errorsmod.Register(ModuleName, 5, "deposit exceeds max deposit limit")
	ErrWithdrawLimit        = errorsmod.Register(ModuleName, 6, "withdrawal exceeds max withdraw limit")
	ErrZeroShares           = errorsmod.Register(ModuleName, 7, "amount converts to zero shares")
	ErrInvalidFee           = errorsmod.Register(ModuleName, 8, "management fee out of bounds")
	ErrInvalidTarget        = errorsmod.Register(ModuleName, 9, "target liquidity out of bounds")
	ErrInvalidThreshold     = errorsmod.Register(ModuleName, 10, "rebalance threshold out of bounds")
	ErrInvalidLimit         = errorsmod.Register(ModuleName, 11, "limit must be positive")
	ErrInvalidConfig        = errorsmod.Register(ModuleName, 12, "invalid vault configuration")
)

// Authorization.
var (
	ErrUnauthorized          = errorsmod.Register(ModuleName, 20, "caller is not the owner")
	ErrInsufficientAllowance = errorsmod.Register(ModuleName, 21, "insufficient share allowance")
)

// Lifecycle.
var (
	ErrPaused             = errorsmod.Register(ModuleName, 30, "vault is paused")
	ErrNotPaused          = errorsmod.Register(ModuleName, 31, "vault is not paused")
	ErrNoStrategy         = errorsmod.Register(ModuleName, 32, "no strategy configured")
	ErrNoShares           = errorsmod.Register(ModuleName, 33, "no shares held")
	ErrInsufficientShares = errorsmod.Register(ModuleName, 34, "insufficient shares")
	ErrZeroManagedValue   = errorsmod.Register(ModuleName, 35, "shares outstanding against zero managed value")
	ErrStrategyHasFunds   = errorsmod.Register(ModuleName, 36, "current strategy still holds funds")
	ErrStrategyInactive   = errorsmod.Register(ModuleName, 37, "strategy is inactive")
)

// External dependencies.
var (
	ErrInsufficientLiquidity         = errorsmod.Register(ModuleName, 40, "insufficient liquidity to fund withdrawal")
	ErrInsufficientStrategyLiquidity = errorsmod.Register(ModuleName, 41, "strategy returned less than requested")
	ErrStrategyCall                  = errorsmod.Register(ModuleName, 42, "strategy call failed")
	ErrAssetTransfer                 = errorsmod.Register(ModuleName, 43, "asset transfer failed")
)

// Concurrency.
var ErrReentrantCall = errorsmod.Register(ModuleName, 50, "operation already in progress")

// Class groups vault errors by who can correct them.
type Class int

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassAuthorization
	ClassLifecycle
	ClassExternal
	ClassConcurrency
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassLifecycle:
		return "lifecycle"
	case ClassExternal:
		return "external"
	case ClassConcurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// Classify returns the class of a vault error. Codes are allocated in
// blocks of ten per class.
func Classify(err error) Class {
	var e *errorsmod.Error
	if !errors.As(err, &e) || e.Codespace() != ModuleName {
		return ClassUnknown
	}
	switch code := e.ABCICode(); {
	case code < 20:
		return ClassValidation
	case code < 30:
		return ClassAuthorization
	case code < 40:
		return ClassLifecycle
	case code < 50:
		return ClassExternal
	default:
		return ClassConcurrency
	}
}

// Code returns the registered code of a vault error, or 0.
func Code(err error) uint32 {
	var e *errorsmod.Error
	if errors.As(err, &e) && e.Codespace() == ModuleName {
		return e.ABCICode()
	}
	return 0
}
