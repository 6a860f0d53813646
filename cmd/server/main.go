package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"gigledger/internal/alerts"
	"gigledger/internal/config"
	"gigledger/internal/escrow"
	"gigledger/internal/idempotency"
	"gigledger/internal/ledger"
	"gigledger/internal/locks"
	"gigledger/internal/logging"
	"gigledger/internal/metadata"
	"gigledger/internal/metrics"
	"gigledger/internal/minting"
	"gigledger/internal/monitor"
	"gigledger/internal/orders"
	"gigledger/internal/server"
	"gigledger/internal/store"
	"gigledger/internal/txn"
	"gigledger/internal/wallet"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(cfg.Service.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	reg := metrics.New()
	health := map[string]server.Pinger{}

	client, operator, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()
	if checker, ok := client.(ledger.HealthChecker); ok {
		health["ledger"] = checker
	}

	var (
		st       store.Store
		src      orders.Source
		idemp    idempotency.Store
		locker   locks.Locker = locks.NewLocalLocker()
		sinks                 = alerts.Fanout{alerts.NewLoggerSink(logger)}
		metaRead server.MetadataReader
	)

	if cfg.Storage.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if src, err = orders.NewPostgresSource(ctx, pg.Pool()); err != nil {
			return err
		}
		if idemp, err = idempotency.NewPostgresStore(ctx, pg.Pool()); err != nil {
			return err
		}
		st, metaRead = pg, pg
		health["database"] = pg
	} else {
		mem := store.NewMemoryStore()
		st, metaRead = mem, mem
		src = orders.NewMemorySource()
		idemp = idempotency.NewMemoryStore()
		logger.Warn("POSTGRES_DSN not set, state is kept in memory")
	}

	if cfg.Storage.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = locks.NewRedisLocker(rdb)
		idemp = idempotency.NewRedisStore(rdb)
		sinks = append(sinks, alerts.NewRedisStreamSink(rdb, cfg.Storage.AlertStream, 0))
		health["redis"] = pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var stager metadata.Stager = metadata.NewStoreStager(st, cfg.Service.PublicBaseURL)
	if cfg.Storage.MetadataEndpoint != "" {
		stager = metadata.NewHTTPStager(cfg.Storage.MetadataEndpoint, cfg.Storage.MetadataToken, 10*time.Second)
	}

	feeCeiling := cfg.Fees.CeilingBaseUnits()
	submitter := txn.NewSubmitter(client, txn.NewValidator(client, feeCeiling), txn.SubmitterConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		ConfirmTimeout:    cfg.Retry.ConfirmTimeout,
	}, reg, logger)

	wallets := wallet.NewService(st, client, logger)
	escrows := escrow.NewManager(st, src, client, submitter, locker, operator, escrow.Config{
		Contract: cfg.Contracts.Escrow,
		LockTTL:  cfg.Retry.ConfirmTimeout + time.Minute,
	}, reg, logger)
	minter := minting.NewService(st, stager, client, submitter, operator, minting.Config{
		Badge: cfg.Contracts.Badge,
	}, reg, logger)

	mon := monitor.New(st, minter, escrows, client, locker, sinks, monitor.Config{
		Interval:          cfg.Monitor.Interval,
		StuckAfter:        cfg.Monitor.StuckAfter,
		FailureWindow:     cfg.Monitor.FailureWindow,
		FailureThreshold:  cfg.Monitor.FailureThreshold,
		MaxVerifyAttempts: cfg.Monitor.MaxVerifyAttempts,
		FeeCeiling:        feeCeiling,
		FeeAccount:        operator.Address,
	}, reg, logger)

	apiServer := server.NewServer(cfg, server.Deps{
		Escrows:     escrows,
		Wallets:     wallets,
		Minter:      minter,
		Metadata:    metaRead,
		Idempotency: idemp,
		Locker:      locker,
		Metrics:     reg,
		Logger:      logger,
		Health:      health,
	})

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("monitor stopped", slog.String("error", err.Error()))
		}
	}()
	if pruner, ok := idemp.(idempotency.Pruner); ok {
		go pruneIdempotency(ctx, pruner, time.Hour, logger)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	err = apiServer.Shutdown(shutdownCtx)
	<-monitorDone
	return err
}

func pruneIdempotency(ctx context.Context, p idempotency.Pruner, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				logger.Warn("idempotency prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("idempotency records pruned", slog.Int64("count", n))
			}
		}
	}
}

// openLedger connects to the configured network. Without a private key it
// runs the in-process ledger with a funded throwaway operator for local work.
func openLedger(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (ledger.Client, txn.Signer, func(), error) {
	if cfg.Chain.PrivateKey != "" {
		operator, err := txn.NewSigner(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, txn.Signer{}, nil, err
		}
		eth, err := ledger.NewEthClient(ctx, ledger.EthClientConfig{
			RPCURL:            cfg.Chain.RPCURL,
			ValidityWindow:    cfg.Chain.ValidityWindow,
			ConfirmationDepth: cfg.Chain.ConfirmationDepth,
			PollInterval:      cfg.Chain.PollInterval,
		})
		if err != nil {
			return nil, txn.Signer{}, nil, err
		}
		logger.Info("ledger connected",
			slog.String("rpc_url", cfg.Chain.RPCURL),
			slog.String("operator", operator.Address.Hex()))
		return eth, operator, eth.Close, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, txn.Signer{}, nil, err
	}
	operator := txn.Signer{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
	fake := ledger.NewFakeClient()
	funding, err := ledger.ToBaseUnits(decimal.NewFromInt(1_000))
	if err != nil {
		return nil, txn.Signer{}, nil, err
	}
	fake.SetBalance(operator.Address, funding)
	logger.Warn("CHAIN_PRIVATE_KEY not set, using the in-process ledger",
		slog.String("operator", operator.Address.Hex()))
	return fake, operator, func() {}, nil
}
