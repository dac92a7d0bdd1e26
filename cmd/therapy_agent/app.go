package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/blob"
	"github.com/jonathan/therapy-pipeline/internal/config"
	"github.com/jonathan/therapy-pipeline/internal/db"
	"github.com/jonathan/therapy-pipeline/internal/encryption"
	"github.com/jonathan/therapy-pipeline/internal/llm"
	"github.com/jonathan/therapy-pipeline/internal/logging"
	"github.com/jonathan/therapy-pipeline/internal/matching"
	"github.com/jonathan/therapy-pipeline/internal/metrics"
	"github.com/jonathan/therapy-pipeline/internal/pipeline"
	"github.com/jonathan/therapy-pipeline/internal/research"
	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

const auditDrainTimeout = 10 * time.Second

// loadSettings reads the effective configuration and builds the logger
func loadSettings() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

type pairLinkWriter interface {
	UpsertPairLink(ctx context.Context, link *types.PairLink) error
}

// storage is the relational store plus its lifecycle hooks
type storage struct {
	store      pipeline.Store
	links      pairLinkWriter
	ping       func(ctx context.Context) error
	close      func()
	persistent bool
}

// openStorage connects to PostgreSQL, or falls back to the in-memory store
// when no database URL is configured
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("database_url not set; run state is kept in memory only")
		mem := db.NewMemoryStore()
		return &storage{store: mem, links: mem, close: func() {}}, nil
	}

	conn, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &storage{store: conn, links: conn, ping: conn.Ping, close: conn.Close, persistent: true}, nil
}

// masterKey returns the configured key. Without S3 an ephemeral key is
// acceptable because nothing outlives the process.
func masterKey(cfg *config.Config, logger *zap.Logger) ([]byte, error) {
	if cfg.EncryptionKey != "" {
		return encryption.ParseKey(cfg.EncryptionKey)
	}
	if cfg.S3.Bucket != "" {
		return nil, errors.New("encryption_key is required when an S3 bucket is configured")
	}
	logger.Warn("encryption_key not set; using an ephemeral key")
	return encryption.GenerateKey()
}

// openBlobs builds the encrypting blob store over S3 or memory
func openBlobs(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*blob.Encrypted, error) {
	key, err := masterKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	enc, err := encryption.NewService(key)
	if err != nil {
		return nil, err
	}

	var inner blob.Store
	if cfg.S3.Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		inner = s3Store
	} else {
		logger.Warn("s3 bucket not set; session data is kept in memory only")
		inner = blob.NewMemory()
	}
	return blob.NewEncrypted(inner, enc), nil
}

// loadData loads the vocabulary and compatibility table and checks that they agree
func loadData(cfg *config.Config) (*vocabulary.Vocabulary, *matching.Table, error) {
	vocab := vocabulary.Default()
	if cfg.VocabularyPath != "" {
		v, err := vocabulary.Load(cfg.VocabularyPath)
		if err != nil {
			return nil, nil, err
		}
		vocab = v
	}

	table := matching.DefaultTable()
	if cfg.CompatibilityPath != "" {
		t, err := matching.LoadTable(cfg.CompatibilityPath)
		if err != nil {
			return nil, nil, err
		}
		table = t
	}

	if err := table.CheckAgainst(vocab); err != nil {
		return nil, nil, err
	}
	return vocab, table, nil
}

// llmConfig applies the per-tier model overrides
func llmConfig(cfg *config.Config) *llm.Config {
	c := llm.DefaultConfig()
	if cfg.Models.Lite != "" {
		c = c.WithModel(llm.TierLite, cfg.Models.Lite)
	}
	if cfg.Models.Standard != "" {
		c = c.WithModel(llm.TierStandard, cfg.Models.Standard)
	}
	if cfg.Models.Advanced != "" {
		c = c.WithModel(llm.TierAdvanced, cfg.Models.Advanced)
	}
	return c
}

// newResearch returns the search collaborator, or the disabled one when no
// credentials are configured
func newResearch(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipeline.Research, error) {
	if cfg.SearchAPIKey == "" {
		logger.Info("search credentials not set; research lookup is disabled")
		return research.Disabled{}, nil
	}
	return research.NewSearcher(ctx, research.Config{
		APIKey:         cfg.SearchAPIKey,
		CX:             cfg.SearchCX,
		AllowedDomains: cfg.SearchDomains,
	}, logger)
}

// runtime holds everything a running pipeline needs
type runtime struct {
	runner  *pipeline.Runner
	storage *storage
	blobs   *blob.Encrypted
	metrics *metrics.Metrics
	writer  *audit.StoreWriter
	client  llm.Client
	logger  *zap.Logger
}

// buildRuntime wires storage, collaborators, audit and metrics into a runner
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, onProgress pipeline.ProgressCallback) (*runtime, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("gemini_api_key (GEMINI_API_KEY) is required to run pipelines")
	}

	rt := &runtime{logger: logger}
	if err := rt.wire(ctx, cfg, onProgress); err != nil {
		rt.release()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context, cfg *config.Config, onProgress pipeline.ProgressCallback) error {
	logger := rt.logger

	vocab, table, err := loadData(cfg)
	if err != nil {
		return err
	}

	if rt.storage, err = openStorage(ctx, cfg, logger); err != nil {
		return err
	}
	if rt.blobs, err = openBlobs(ctx, cfg, logger); err != nil {
		return err
	}

	if rt.client, err = llm.NewClient(ctx, llmConfig(cfg), cfg.GeminiAPIKey); err != nil {
		return err
	}
	inference := llm.NewInference(rt.client, llm.NewPromptBuilder(vocab), logger.Named("llm"))

	searcher, err := newResearch(ctx, cfg, logger.Named("research"))
	if err != nil {
		return err
	}

	rt.metrics = metrics.New()
	rt.writer = audit.NewStoreWriter(rt.storage.store, logger.Named("audit"), audit.DefaultWriterConfig())
	if err = rt.writer.Start(); err != nil {
		return err
	}

	rt.runner, err = pipeline.NewRunner(pipeline.Deps{
		Store:      rt.storage.store,
		Blobs:      rt.blobs,
		Inference:  inference,
		Research:   searcher,
		Vocabulary: vocab,
		Matcher:    matching.NewMatcher(table),
		Audit:      audit.Multi{rt.writer, audit.NewZapMirror(logger.Named("audit"))},
		Alerter:    audit.NewLogAlerter(logger, rt.metrics),
		Observer:   rt.metrics,
		Logger:     logger.Named("pipeline"),
		OnProgress: onProgress,
	}, pipeline.Config{
		Concurrency:  cfg.Concurrency,
		StageTimeout: cfg.StageTimeout.Std(),
		RunTimeout:   cfg.RunTimeout.Std(),
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseBackoff: cfg.RetryBaseBackoff.Std(),
			MaxBackoff:  cfg.RetryMaxBackoff.Std(),
		},
	})
	return err
}

// Close waits for in-flight runs, drains the audit writer and releases connections
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.runner != nil {
		if err := rt.runner.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runner shutdown: %w", err))
		}
	}
	if rt.writer != nil {
		if err := rt.writer.Stop(auditDrainTimeout); err != nil {
			errs = append(errs, fmt.Errorf("audit drain: %w", err))
		}
		rt.writer = nil
	}
	rt.release()
	return errors.Join(errs...)
}

func (rt *runtime) release() {
	if rt.writer != nil {
		rt.writer.Stop(auditDrainTimeout) //nolint:errcheck
		rt.writer = nil
	}
	if rt.client != nil {
		if err := rt.client.Close(); err != nil {
			rt.logger.Warn("failed to close llm client", zap.Error(err))
		}
		rt.client = nil
	}
	if rt.storage != nil {
		rt.storage.close()
		rt.storage = nil
	}
}
