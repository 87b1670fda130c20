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

	"github.com/querysmith/querysmith/internal/api"
	"github.com/querysmith/querysmith/internal/assembler"
	"github.com/querysmith/querysmith/internal/auth"
	"github.com/querysmith/querysmith/internal/config"
	"github.com/querysmith/querysmith/internal/conversation"
	"github.com/querysmith/querysmith/internal/export"
	"github.com/querysmith/querysmith/internal/llm"
	"github.com/querysmith/querysmith/internal/memory"
	memorypostgres "github.com/querysmith/querysmith/internal/memory/postgres"
	metadatapostgres "github.com/querysmith/querysmith/internal/metadata/postgres"
	"github.com/querysmith/querysmith/internal/observability"
	"github.com/querysmith/querysmith/internal/orchestrator"
	"github.com/querysmith/querysmith/internal/retrieval"
	s3store "github.com/querysmith/querysmith/internal/storage/s3"
	"github.com/querysmith/querysmith/internal/tool"
	"github.com/querysmith/querysmith/internal/warehouse"
	warehouseduckdb "github.com/querysmith/querysmith/internal/warehouse/duckdb"
	warehousepostgres "github.com/querysmith/querysmith/internal/warehouse/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("querysmith-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	connector, closeConnector, err := openConnector(cfg)
	if err != nil {
		logger.Error("failed to open warehouse connector", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeConnector()

	appDB, err := warehousepostgres.Open(context.Background(), warehousepostgres.DBConfig{
		DSN:             appDSN(cfg),
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open application db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = appDB.Close() }()

	metadataRepo := metadatapostgres.NewRepository(appDB)
	memoryStore := memorypostgres.NewStore(appDB)

	retrievalClient, err := retrieval.NewClient(retrieval.ClientConfig{
		BaseURL: cfg.Retrieval.BaseURL,
		APIKey:  cfg.Retrieval.APIKey,
		Timeout: cfg.Retrieval.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize retrieval client", slog.Any("error", err))
		os.Exit(1)
	}

	registry := tool.NewRegistry(logger)
	for _, def := range []tool.Definition{
		tool.NewRunSQL(connector, cfg.Warehouse.MaxRows, cfg.Warehouse.QueryTimeout),
		tool.NewSearchTables(retrievalClient, metadataRepo),
		tool.NewDebugQuery(connector),
	} {
		if err := registry.Register(def); err != nil {
			logger.Error("failed to register tool", slog.String("tool", def.Name), slog.Any("error", err))
			os.Exit(1)
		}
	}

	model, err := newLLMClient(cfg)
	if err != nil {
		logger.Error("failed to initialize llm client", slog.Any("error", err))
		os.Exit(1)
	}

	objectStore, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Prefix:          cfg.ObjectStore.Prefix,
		CreateBucket:    cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	manager := conversation.NewManager()
	archive := conversation.NewArchive(objectStore, logger)
	injector := memory.NewInjector(memoryStore, logger, cfg.Memory.ReadLimit)
	service := orchestrator.NewService(
		model,
		registry,
		assembler.New(retrievalClient, logger, assembler.Config{
			TopK:          cfg.Retrieval.TopK,
			CharBudget:    cfg.Context.CharBudget,
			SourceTimeout: cfg.Retrieval.SourceTimeout,
		}),
		manager,
		injector,
		logger,
		orchestrator.Config{
			MaxAttempts:    cfg.Orchestrator.MaxAttempts,
			MaxExploratory: cfg.Orchestrator.MaxExploratory,
		},
	)

	var auditSink *export.Sink
	if cfg.Export.Enabled {
		auditSink = export.NewSink(objectStore, logger, cfg.Export.FlushEvery)
	}

	deps := api.Dependencies{
		Logger:        logger,
		Orchestrator:  service,
		Conversations: manager,
		Archive:       archive,
		Readiness: api.CombineReadinessChecks(
			api.CheckWarehouseDSN(cfg),
			api.CheckLLMConfig(cfg),
			api.CheckRetrievalConfig(cfg),
			memoryStore.HealthCheck,
		),
		DependencyTimeout: time.Second,
	}
	if auditSink != nil {
		deps.Audit = &auditAdapter{sink: auditSink}
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
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
	if auditSink != nil {
		if err := auditSink.Flush(shutdownCtx); err != nil {
			logger.Error("final audit flush failed", slog.Any("error", err))
		}
	}
}

func openConnector(cfg config.Config) (warehouse.Connector, func(), error) {
	switch cfg.Warehouse.Driver {
	case "duckdb":
		connector, err := warehouseduckdb.Open(cfg.Warehouse.DSN, cfg.Warehouse.QueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		return connector, func() { _ = connector.Close() }, nil
	default:
		db, err := warehousepostgres.Open(context.Background(), warehousepostgres.DBConfig{
			DSN:             cfg.Warehouse.DSN,
			MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
			MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
			ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return warehousepostgres.NewConnector(db, cfg.Warehouse.QueryTimeout), func() { _ = db.Close() }, nil
	}
}

// appDSN picks the database holding table docs and memory records. It
// defaults to the warehouse when no dedicated DSN is configured.
func appDSN(cfg config.Config) string {
	if cfg.Metadata.DSN != "" {
		return cfg.Metadata.DSN
	}
	if cfg.Memory.DSN != "" {
		return cfg.Memory.DSN
	}
	return cfg.Warehouse.DSN
}

func newLLMClient(cfg config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: int64(cfg.LLM.MaxTokens),
		})
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		})
	}
}

// auditAdapter bridges the api audit contract onto the parquet sink.
type auditAdapter struct {
	sink *export.Sink
}

func (a *auditAdapter) Record(ctx context.Context, record api.AuditRecord) {
	a.sink.Record(ctx, export.AuditRecord{
		ConversationID: record.ConversationID,
		EpisodeID:      record.EpisodeID,
		Question:       record.Question,
		Status:         record.Status,
		FatalReason:    record.FatalReason,
		Attempts:       record.Attempts,
		SQL:            record.SQL,
		LastError:      record.LastError,
		StartedUnixMs:  record.StartedUnixMs,
		DurationMs:     record.DurationMs,
	})
}

func (a *auditAdapter) Flush(ctx context.Context) error {
	return a.sink.Flush(ctx)
}
