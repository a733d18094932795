package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atmx/yield-vault/internal/api"
	"github.com/atmx/yield-vault/internal/config"
)

const (
	testOwner = "0x00000000000000000000000000000000000000a0"
	testAlice = "0x00000000000000000000000000000000000a11ce"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Vault.Owner = testOwner
	cfg.Vault.AssetDecimals = 0
	cfg.Ledger.Genesis = []config.Allocation{
		{Account: testAlice, Amount: "60000"},
		{Account: testAlice, Amount: "40000"},
	}
	return &cfg
}

func TestWire_DepositThroughRouter(t *testing.T) {
	d, err := wire(context.Background(), testConfig())
	require.NoError(t, err)
	defer d.close()

	require.NotNil(t, d.strategy)
	assert.True(t, math.NewInt(100_000).Equal(d.ledger.BalanceOf(testAlice)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(`{"assets":"100000"}`))
	req.Header.Set(api.AccountHeader, testAlice)
	w := httptest.NewRecorder()
	d.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 2% fee to the owner, 90% of the net deposit pushed into the strategy.
	assert.True(t, math.NewInt(2_000).Equal(d.ledger.BalanceOf(testOwner)))
	assert.True(t, math.NewInt(88_200).Equal(d.ledger.BalanceOf(d.strategy.Account())))
	assert.True(t, math.NewInt(9_800).Equal(d.ledger.BalanceOf(d.vault.Account())))

	events, err := d.store.ListEventsByAccount(context.Background(), testAlice, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	pos, err := d.store.GetPosition(context.Background(), testAlice)
	require.NoError(t, err)
	assert.True(t, math.NewInt(98_000).Equal(pos.Shares))
}

func TestWire_StrategyDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Enabled = false

	d, err := wire(context.Background(), cfg)
	require.NoError(t, err)
	defer d.close()
	assert.Nil(t, d.strategy)

	w := httptest.NewRecorder()
	d.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWire_RejectsMissingOwner(t *testing.T) {
	cfg := testConfig()
	cfg.Vault.Owner = ""
	_, err := wire(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}

func TestServe_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Server.Port = 0 // any free port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[vault]
owner = "`+testOwner+`"
management_fee_bps = 150
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "management_fee_bps = 150")
	assert.Contains(t, out.String(), testOwner)
}
