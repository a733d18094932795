package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/api"
	"github.com/atmx/yield-vault/internal/config"
	"github.com/atmx/yield-vault/internal/ledger"
	"github.com/atmx/yield-vault/internal/logger"
	"github.com/atmx/yield-vault/internal/store"
	"github.com/atmx/yield-vault/internal/strategy"
	"github.com/atmx/yield-vault/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vault HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.LogFormat == "json" {
			logger.InitializeWriter(cfg.LogLevel, os.Stdout)
		} else {
			logger.Initialize(cfg.LogLevel)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// daemon holds the wired components of a running vault.
type daemon struct {
	ledger   *ledger.Memory
	strategy *strategy.Simulated // nil when disabled
	vault    *vault.Vault
	store    store.Store
	hub      *api.WSHub
	handler  http.Handler
	cleanup  []func()
}

func (d *daemon) close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
}

// wire builds the ledger, strategy, store, vault and HTTP handler from cfg.
// The caller must call close on the result.
func wire(ctx context.Context, cfg *config.Config) (*daemon, error) {
	log := logger.GetForComponent("vaultd")
	d := &daemon{ledger: ledger.NewMemory()}

	settings, err := cfg.VaultSettings()
	if err != nil {
		return nil, err
	}
	vaultAcct, err := account.Parse(settings.Account)
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.Ledger.Genesis {
		amount, err := config.ParseAmount(a.Amount, cfg.Vault.AssetDecimals)
		if err != nil {
			return nil, fmt.Errorf("genesis %s: %w", a.Account, err)
		}
		acct, err := account.Parse(a.Account)
		if err != nil {
			return nil, fmt.Errorf("genesis: %w", err)
		}
		if err := d.ledger.Mint(acct, amount); err != nil {
			return nil, fmt.Errorf("genesis %s: %w", acct, err)
		}
		if err := d.ledger.Approve(acct, vaultAcct, d.ledger.Allowance(acct, vaultAcct).Add(amount)); err != nil {
			return nil, fmt.Errorf("genesis %s: %w", acct, err)
		}
	}

	st, err := openStore(ctx, cfg, d, log)
	if err != nil {
		d.close()
		return nil, err
	}
	d.store = st

	d.hub = api.NewWSHub(logger.GetForComponent("ws"))
	sink := api.NewSink(st, d.hub, logger.GetForComponent("sink"))

	opts := []vault.Option{
		vault.WithLogger(logger.GetForComponent("vault")),
		vault.WithSink(sink),
	}
	if cfg.Strategy.Enabled {
		stratAcct, err := account.Parse(cfg.Strategy.Account)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("strategy account: %w", err)
		}
		d.strategy = strategy.NewSimulated(d.ledger, stratAcct, vaultAcct)
		limit, err := cfg.StrategyCap()
		if err != nil {
			d.close()
			return nil, err
		}
		d.strategy.SetLiquidityCap(limit)
		opts = append(opts, vault.WithStrategy(d.strategy))
	}

	d.vault, err = vault.New(d.ledger, settings, opts...)
	if err != nil {
		d.close()
		return nil, err
	}
	sink.Bind(d.vault)

	svc := api.NewService(d.vault, st, logger.GetForComponent("api"))
	d.handler = api.NewRouter(svc, d.hub, api.RouterOptions{
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		CORSOrigins:    cfg.Server.CORSOrigins,
		AccessLog:      true,
	})

	log.Info().
		Str("vault", d.vault.Account()).
		Str("owner", d.vault.Owner()).
		Bool("strategy", d.strategy != nil).
		Int("genesis_accounts", len(cfg.Ledger.Genesis)).
		Msg("vault wired")
	return d, nil
}

// openStore selects the event store: PostgreSQL, optionally fronted by
// Redis, or the in-memory store when no DSN is configured.
func openStore(ctx context.Context, cfg *config.Config, d *daemon, log zerolog.Logger) (store.Store, error) {
	if cfg.Postgres.DSN == "" {
		log.Warn().Msg("postgres dsn not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	d.cleanup = append(d.cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	if cfg.Postgres.RunMigrations {
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("connected to PostgreSQL")

	if cfg.Redis.URL == "" {
		return pg, nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	d.cleanup = append(d.cleanup, func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Dur("ttl", cfg.Redis.TTL.Duration).Msg("Redis cache enabled")
	return store.NewCachedStore(pg, rdb, cfg.Redis.TTL.Duration), nil
}

// serve runs the hub and the HTTP server until ctx is cancelled or either
// of them fails.
func serve(ctx context.Context, cfg *config.Config) error {
	d, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	log := logger.GetForComponent("vaultd")
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      d.handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.hub.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("vaultd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
