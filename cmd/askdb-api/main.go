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

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/auth"
	catalogpostgres "github.com/askdb/askdb/internal/catalog/postgres"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connections"
	"github.com/askdb/askdb/internal/dataset"
	"github.com/askdb/askdb/internal/insight"
	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/query/sqldb"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/sqlguard"
	"github.com/askdb/askdb/internal/tenant"
	"github.com/askdb/askdb/internal/usage"
	"github.com/askdb/askdb/internal/vault"
)

func main() {
	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	sealer, err := openVault(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize credential vault", slog.Any("error", err))
		os.Exit(1)
	}

	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = catalogDB.Close() }()

	datasetDSN := cfg.Dataset.DSN
	if datasetDSN == cfg.Catalog.DSN {
		datasetDSN = ""
	}
	datasetHandle, err := dataset.Open(context.Background(), datasetDSN, catalogDB)
	if err != nil {
		logger.Error("failed to open dataset db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = datasetHandle.Close() }()
	datasetDB := datasetHandle.DB
	logger.Info("built-in dataset ready", slog.String("driver", datasetHandle.Driver), slog.Bool("shared_with_catalog", !datasetHandle.Owned))

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	tracker := usage.NewTracker(catalogRepo)
	tenants := tenant.NewManager(tenant.Config{
		MaxOpenConns:    cfg.Tenant.MaxOpenConns,
		MaxIdleConns:    cfg.Tenant.MaxIdleConns,
		ConnMaxLifetime: cfg.Tenant.ConnMaxLifetime,
		RetryAttempts:   cfg.Tenant.RetryAttempts,
		RetryBaseDelay:  cfg.Tenant.RetryBaseDelay,
	}, tenant.WithLogger(logger))
	defer func() { _ = tenants.Close(context.Background()) }()

	service := &connections.Service{
		Repo:         catalogRepo,
		Vault:        sealer,
		Schema:       schema.NewIntrospector(logger),
		Pools:        tenants,
		Quota:        tracker,
		TestTimeout:  cfg.Tenant.TestTimeout,
		MonthlyLimit: cfg.Usage.MonthlyLimit,
		Logger:       logger,
	}

	var completer llm.Completer = llm.Disabled{}
	if cfg.AI.APIKey != "" {
		completer, err = llm.NewOpenAICompleter(llm.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize llm client", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("ASKDB_AI_API_KEY is not set; questions will fail at translation")
	}

	coordinator := &pipeline.Coordinator{
		Translator:  nl2sql.NewLLMTranslator(completer),
		Validator:   sqlguard.New(cfg.Query.ForbiddenKeywords),
		Engine:      sqldb.NewEngine(cfg.Tenant.AcquireTimeout),
		Connections: service,
		Tenants:     tenants,
		Usage:       tracker,
		Synthesizer: insight.NewSynthesizer(completer),
		BuiltIn:     datasetDB,
		Config: pipeline.Config{
			MaxRows:       cfg.Query.MaxRows,
			QueryTimeout:  cfg.Query.Timeout,
			MonthlyLimit:  cfg.Usage.MonthlyLimit,
			Workers:       cfg.Pipeline.Workers,
			SlowThreshold: cfg.Query.SlowThreshold,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:      logger,
		Pipeline:    coordinator,
		Connections: service,
		Readiness: api.CombineReadinessChecks(
			catalogRepo.HealthCheck,
			api.CheckDatabase("dataset", datasetDB),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if validator.Len() == 0 {
			logger.Warn("auth is required but no static keys are configured; every protected request will be rejected")
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openVault requires ASKDB_ENCRYPTION_KEY outside the test profile. The test
// profile falls back to a throwaway key.
func openVault(cfg config.Config, logger *slog.Logger) (*vault.Vault, error) {
	key := cfg.Vault.EncryptionKey
	if key == "" && cfg.Profile == config.ProfileTest {
		generated, err := vault.GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("ASKDB_ENCRYPTION_KEY is not set; using an ephemeral key")
		key = generated
	}
	return vault.New(key)
}
