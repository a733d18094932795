// Package account parses and validates the identities that own vault shares,
// receive withdrawals and administer the vault.
package account

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// addressRegex matches: 0x{40 hex digits}
// Example: 0x00000000000000000000000000000000000a11ce
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Zero is the null identity. It is a well-formed address that can never own
// shares or receive assets.
const Zero = "0x0000000000000000000000000000000000000000"

var (
	ErrInvalidAddress = errors.New("account: invalid address format")
	ErrZeroAddress    = errors.New("account: zero address")
)

// Parse validates an address and returns its normalized (lower-case) form.
// Format: 0x{40 hex digits}
func Parse(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrZeroAddress)
	}
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: %s (expected 0x followed by 40 hex digits)",
			ErrInvalidAddress, addr)
	}

	normalized := strings.ToLower(addr)
	if normalized == Zero {
		return "", ErrZeroAddress
	}
	return normalized, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(addr string) string {
	a, err := Parse(addr)
	if err != nil {
		panic(err)
	}
	return a
}

// Equal reports whether two addresses refer to the same identity.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// FromSeed derives a deterministic address from a small integer. Used to
// name simulated collaborators and test accounts.
func FromSeed(n uint64) string {
	return fmt.Sprintf("0x%040x", n)
}
