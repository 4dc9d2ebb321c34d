package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"didmovement/crypto"
	"didmovement/ledger"
	"didmovement/observability/logging"
	telemetry "didmovement/observability/otel"
	"didmovement/services/didmovement/addrlock"
	"didmovement/services/didmovement/config"
	"didmovement/services/didmovement/custody"
	"didmovement/services/didmovement/pipeline"
	"didmovement/services/didmovement/records"
	"didmovement/services/didmovement/registry"
	"didmovement/services/didmovement/server"
	"didmovement/services/didmovement/server/middleware"
	"didmovement/services/didmovement/tasks"
	"didmovement/storage"
)

const serviceName = "did-movement"

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before reading the environment")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("did-movement: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("did-movement: load config: %v", err)
	}
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Network:     ledgerNetwork(cfg.Ledger),
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("did-movement: init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("did-movement exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", closeErr))
		}
	}()

	sealer, err := custody.LoadSealer(db, cfg.Custody.Passphrase)
	if err != nil {
		return fmt.Errorf("load custody sealer: %w", err)
	}
	accounts := custody.NewManager(db, custody.WithSealer(sealer), custody.WithLogger(logger))

	module, err := crypto.ParseAddress(cfg.Ledger.Module)
	if err != nil {
		return fmt.Errorf("ledger module: %w", err)
	}

	var (
		runner   pipeline.Runner
		balances server.Balances
		client   *ledger.RESTClient
	)
	if cfg.Ledger.Offline {
		logger.Warn("ledger offline mode: DIDs and services are recorded without on-chain transactions")
		runner = pipeline.NewOffline(logger)
	} else {
		client = ledger.NewRESTClient(cfg.Ledger.URL,
			ledger.WithHTTPClient(&http.Client{Timeout: cfg.Ledger.RequestTimeout.Duration}))
		runner = pipeline.New(client,
			pipeline.WithLogger(logger),
			pipeline.WithOptions(pipeline.Options{
				MaxGas:            cfg.Ledger.MaxGas,
				GasUnitPrice:      cfg.Ledger.GasUnitPrice,
				ExpirationHorizon: cfg.Ledger.Expiration.Duration,
				PollAttempts:      cfg.Ledger.PollAttempts,
				PollInterval:      cfg.Ledger.PollInterval.Duration,
				ChainID:           cfg.Ledger.ChainID,
			}),
		)
		balances = client
	}

	deps := registry.Deps{Accounts: accounts, Locks: addrlock.New(), Logger: logger}
	dids := registry.NewDIDRegistry(db, runner, module, deps)
	if client != nil {
		dids.WithViewer(client)
	}

	services := registry.NewServiceRegistry(db, runner, module, cfg.Service.CallbackBase, deps)
	recordLog := records.New(db, accounts, logger)
	var solver server.TaskSolver
	if cfg.Tasks.Enabled {
		upstream := tasks.WithHTTPClient(&http.Client{Timeout: cfg.Tasks.RequestTimeout.Duration})
		solver = tasks.NewSolver(
			tasks.NewBoardClient(cfg.Tasks.BoardURL, upstream),
			tasks.NewChatGenerator(tasks.ChatConfig{
				BaseURL:   cfg.Tasks.ChatURL,
				APIKey:    cfg.Tasks.APIKey,
				Model:     cfg.Tasks.Model,
				MaxTokens: cfg.Tasks.MaxTokens,
			}, upstream),
			services, recordLog, logger)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for route, limit := range cfg.RateLimits {
		limits[route] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Config{
		ListenAddress:      cfg.Server.Listen,
		ReadTimeout:        cfg.Server.ReadTimeout.Duration,
		WriteTimeout:       cfg.Server.WriteTimeout.Duration,
		IdleTimeout:        cfg.Server.IdleTimeout.Duration,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout.Duration,
		ExplorerAccountURL: cfg.Explorer.AccountURL,
		ServiceName:        cfg.Service.Name,
		ServiceDescription: cfg.Service.Description,
		LogRequests:        cfg.Log.Requests,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		RateLimits:        limits,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	}, server.Deps{
		Accounts: accounts,
		DIDs:     dids,
		Services: services,
		Records:  recordLog,
		Balances: balances,
		Tasks:    solver,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	if client != nil {
		group.Go(func() error {
			checkLedger(groupCtx, client, logger)
			return nil
		})
	}
	return group.Wait()
}

// checkLedger logs the fullnode's chain once at startup; failures are not
// fatal because every pipeline run asks again.
func checkLedger(ctx context.Context, client *ledger.RESTClient, logger *slog.Logger) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := client.LedgerInfo(checkCtx)
	if err != nil {
		logger.Warn("ledger unreachable at startup", "error", err)
		return
	}
	logger.Info("ledger reachable", "chain_id", info.ChainID, "version", info.LedgerVersion)
}

// ledgerNetwork labels telemetry with the fullnode host, or "offline".
func ledgerNetwork(cfg config.LedgerConfig) string {
	if cfg.Offline {
		return "offline"
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
