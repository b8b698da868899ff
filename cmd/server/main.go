package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"belief-market/internal/api"
	"belief-market/internal/config"
	"belief-market/internal/curve"
	"belief-market/internal/db"
	"belief-market/internal/engine"
	"belief-market/internal/epoch"
	"belief-market/internal/ledger"
	"belief-market/internal/lock"
	"belief-market/internal/logger"
	"belief-market/internal/memstore"
	"belief-market/internal/redistribution"
	"belief-market/internal/settlement"
	"belief-market/internal/ws"
)

// backend is what every component needs from persistence; both the Postgres
// store and the in-memory store satisfy it.
type backend interface {
	engine.Store
	settlement.Store
	redistribution.Store
	api.Store
	epoch.Store
}

func main() {
	configPath := flag.String("config", "", "YAML config file (environment only when empty)")
	mintToken := flag.String("mint-token", "", "print an operator JWT for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a minted operator token")
	flag.Parse()

	cfg, err := config.Load(*configPath, *configPath == "")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if *mintToken != "" {
		tok, err := api.MintOperatorToken(cfg.Server.JWTSecret, *mintToken, *tokenTTL)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	var store backend
	var pg *db.Store
	if cfg.DB.DSN != "" {
		var err error
		pg, err = db.Open(cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer pg.Close()
		pg.DB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
		pg.DB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
		zl.Info("connected to database")

		if err := pg.Migrate(cfg.DB.MigrationsDir); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		zl.Info("migrations applied", zap.String("dir", cfg.DB.MigrationsDir))
		store = pg
	} else {
		zl.Warn("no db.dsn configured, state is in memory only")
		store = memstore.New()
	}

	// Locks
	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "postgres":
		locker = pg.Locker()
	case "redis":
		rl := lock.NewRedisLocker(&redis.Options{Addr: cfg.Lock.RedisAddr, DB: cfg.Lock.RedisDB}, cfg.Lock.TTL)
		if err := rl.Client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rl.Close()
		locker = rl
	default:
		locker = lock.NewLocal()
	}
	zl.Info("pool locks ready", zap.String("backend", cfg.Lock.Backend))

	// Ledger
	auth, err := ledger.NewAuthority(cfg.Ledger.AuthoritySeed)
	if err != nil {
		return err
	}
	factory := cfg.Ledger.FactoryAuthority
	if factory == "" {
		factory = auth.PublicKey()
	}
	sim := ledger.NewSimulator(factory)
	sim.ConfirmAfter = cfg.Ledger.ConfirmAfter
	var chain ledger.Ledger = sim
	if cfg.Ledger.RatePerSecond > 0 {
		chain = ledger.NewRateLimited(sim, cfg.Ledger.RatePerSecond, max(cfg.Ledger.Burst, 1))
	}

	// WS Hub
	hub := ws.NewHub(zl)

	// Trade engines
	mgr := engine.NewManager(store, cfg.Curve, hub.Publish, zl)
	if err := mgr.Boot(ctx); err != nil {
		return fmt.Errorf("engine boot: %w", err)
	}
	defer mgr.Stop()

	settler := settlement.New(store, chain, auth, cfg.Curve, hub.Publish, zl)
	settler.LedgerTimeout = cfg.Ledger.Timeout
	if err := settler.VerifyAuthority(ctx); err != nil {
		// settlement stays disabled; the rest of the service keeps running
		zl.Error("settlement authority check failed", zap.Error(err))
	}
	redist := redistribution.New(store, locker, hub.Publish, zl)

	est := curve.NewEstimator(cfg.Curve)
	est.Tolerance = cfg.Estimator.Tolerance
	est.MaxIterations = cfg.Estimator.MaxIterations

	// Epoch schedule
	if cfg.Cron.Enabled {
		driver := epoch.New(store, settler, redist, zl)
		if err := driver.Start(ctx, cfg.Cron.Epoch); err != nil {
			return fmt.Errorf("epoch driver: %w", err)
		}
		defer driver.Stop()
	}

	// HTTP
	srv := api.NewServer(api.Deps{
		Store:             store,
		Trades:            mgr,
		Settler:           settler,
		Redist:            redist,
		Hub:               hub,
		Params:            cfg.Curve,
		Estimator:         est,
		Secret:            cfg.Server.JWTSecret,
		MinSettleInterval: cfg.Settlement.MinInterval,
		Log:               zl,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
