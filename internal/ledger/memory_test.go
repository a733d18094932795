package ledger

import (
	"sync"
	"testing"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
	vault = "0x0000000000000000000000000000000000005afe"
)

func n(v int64) math.Int { return math.NewInt(v) }

func requireBalance(t *testing.T, l *Memory, acct string, expected int64) {
	t.Helper()
	got := l.BalanceOf(acct)
	require.Truef(t, n(expected).Equal(got), "%s: expected %d, got %s", acct, expected, got)
}

func TestTransfer_MovesBalance(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(100)))

	require.NoError(t, l.Transfer(alice, bob, n(40)))

	requireBalance(t, l, alice, 60)
	requireBalance(t, l, bob, 40)
	require.True(t, n(100).Equal(l.TotalSupply()))
}

func TestTransfer_InsufficientBalanceMovesNothing(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(10)))

	err := l.Transfer(alice, bob, n(11))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	requireBalance(t, l, alice, 10)
	requireBalance(t, l, bob, 0)
}

func TestTransfer_NegativeRejected(t *testing.T) {
	l := NewMemory()
	require.ErrorIs(t, l.Transfer(alice, bob, n(-1)), ErrInvalidAmount)
	require.ErrorIs(t, l.Transfer(alice, bob, math.Int{}), ErrInvalidAmount)
}

func TestTransferFrom_ConsumesAllowance(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(100)))
	require.NoError(t, l.Approve(alice, vault, n(70)))

	require.NoError(t, l.TransferFrom(vault, alice, vault, n(50)))

	requireBalance(t, l, alice, 50)
	requireBalance(t, l, vault, 50)
	require.True(t, n(20).Equal(l.Allowance(alice, vault)))
}

func TestTransferFrom_InsufficientAllowance(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(100)))
	require.NoError(t, l.Approve(alice, vault, n(10)))

	err := l.TransferFrom(vault, alice, vault, n(11))
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	requireBalance(t, l, alice, 100)
	require.True(t, n(10).Equal(l.Allowance(alice, vault)))
}

func TestTransferFrom_InsufficientBalanceKeepsAllowance(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(5)))
	require.NoError(t, l.Approve(alice, vault, n(100)))

	err := l.TransferFrom(vault, alice, bob, n(6))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.True(t, n(100).Equal(l.Allowance(alice, vault)))
}

func TestApprove_Overwrites(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Approve(alice, bob, n(10)))
	require.NoError(t, l.Approve(alice, bob, n(3)))
	require.True(t, n(3).Equal(l.Allowance(alice, bob)))
}

func TestBurn_ReducesSupply(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(100)))
	require.NoError(t, l.Burn(alice, n(30)))

	requireBalance(t, l, alice, 70)
	require.True(t, n(70).Equal(l.TotalSupply()))
	require.ErrorIs(t, l.Burn(alice, n(71)), ErrInsufficientBalance)
}

func TestTransfer_ConcurrentConservesSupply(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Mint(alice, n(1_000)))
	require.NoError(t, l.Mint(bob, n(1_000)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.Transfer(alice, bob, n(7))
		}()
		go func() {
			defer wg.Done()
			_ = l.Transfer(bob, alice, n(5))
		}()
	}
	wg.Wait()

	total := l.BalanceOf(alice).Add(l.BalanceOf(bob))
	require.True(t, n(2_000).Equal(total), "supply not conserved: %s", total)
}
