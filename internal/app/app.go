// Package app wires the pipeline from configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/listing-diagnostics/internal/analysis"
	"github.com/joseph-ayodele/listing-diagnostics/internal/async"
	"github.com/joseph-ayodele/listing-diagnostics/internal/classifier"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/events"
	"github.com/joseph-ayodele/listing-diagnostics/internal/export"
	"github.com/joseph-ayodele/listing-diagnostics/internal/extraction"
	"github.com/joseph-ayodele/listing-diagnostics/internal/ingest"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm/anthropic"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm/openai"
	"github.com/joseph-ayodele/listing-diagnostics/internal/metrics"
	"github.com/joseph-ayodele/listing-diagnostics/internal/pipeline"
	"github.com/joseph-ayodele/listing-diagnostics/internal/report"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape/direct"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape/remote"
	"github.com/joseph-ayodele/listing-diagnostics/internal/server"
	"github.com/joseph-ayodele/listing-diagnostics/internal/submissions"
)

// App holds the wired components and the resources to release on Close.
type App struct {
	Config     *common.Config
	Logger     *slog.Logger
	DB         *repository.DB
	Repo       repository.SubmissionRepository
	Metrics    *metrics.Metrics
	Controller *pipeline.Controller
	Monitor    *pipeline.Monitor
	Queue      *async.WorkQueue
	Sweeper    *async.Sweeper
	Service    *submissions.Service
	Ingestor   *ingest.Ingestor

	closers []func() error
}

// Options selects the optional parts of the wiring.
type Options struct {
	// Workers starts the work queue and sweeper. Without it Submit only records the submission.
	Workers bool
	// Migrate applies pending migrations after connecting.
	Migrate bool
}

// Build connects to the database and wires every stage from cfg.
func Build(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	d, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.DB = d
	a.closers = append(a.closers, func() error { server.CloseDB(d, logger); return nil })

	if opts.Migrate {
		if err := repository.Migrate(d, logger); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.Repo = repository.NewSubmissionRepository(d, logger)

	stages, err := a.stages()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	publisher, err := a.publisher()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Controller = pipeline.NewController(a.Repo, stages,
		pipeline.WithPolicy(pipeline.Policy{
			MaxRetries:          cfg.Pipeline.MaxRetries,
			MaxAnalysisAttempts: cfg.Pipeline.MaxAnalysisAttempts,
			StallTimeout:        cfg.Pipeline.StallTimeout,
		}),
		pipeline.WithPublisher(publisher),
		pipeline.WithLocker(a.locker()),
		pipeline.WithMetrics(a.Metrics),
		pipeline.WithLogger(logger),
	)
	a.Monitor = a.Controller.Monitor()

	var queue async.Queue
	if opts.Workers {
		a.Queue = async.NewWorkQueue(a.Controller, logger,
			async.WithWorkers(cfg.Pipeline.Workers),
			async.WithQueueSize(cfg.Pipeline.QueueSize),
			async.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
			async.WithPollInterval(cfg.Pipeline.PollInterval),
			async.WithBackoff(cfg.Pipeline.RetryBackoff, cfg.Pipeline.RetryBackoffMax),
			async.WithMetrics(a.Metrics),
		)
		queue = a.Queue
		a.Sweeper, err = async.NewSweeper(a.Repo, a.Queue, async.SweepConfig{
			Schedule: cfg.Pipeline.SweepSchedule,
			MinAge:   cfg.Pipeline.SweepMinAge,
			Batch:    cfg.Pipeline.SweepBatch,
		}, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.Service = submissions.NewService(a.Controller, a.Monitor, queue, a.Repo, export.NewService(a.Repo, logger), logger)
	if a.Ingestor, err = ingest.New(a.Service, logger, cfg.Ingest.SeenSize); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) stages() (pipeline.Stages, error) {
	cfg := a.Config

	cls, err := classifier.New(classifier.WithHostsFile(cfg.Pipeline.PlatformHostsFile))
	if err != nil {
		return pipeline.Stages{}, err
	}
	scraper, err := a.scraper()
	if err != nil {
		return pipeline.Stages{}, err
	}
	contracts, err := extraction.LoadContracts("")
	if err != nil {
		return pipeline.Stages{}, err
	}
	renderer, err := report.NewHTMLRenderer()
	if err != nil {
		return pipeline.Stages{}, err
	}
	store, err := a.reportStore()
	if err != nil {
		return pipeline.Stages{}, err
	}

	return pipeline.Stages{
		Classifier: cls,
		Extraction: extraction.NewCoordinator(scraper, contracts, a.Logger, extraction.WithTimeout(cfg.Scraper.Timeout)),
		Analysis:   analysis.NewCoordinator(a.analyzer(), a.Logger, analysis.WithTimeout(cfg.LLM.Timeout)),
		Reports:    report.NewCoordinator(renderer, store, a.Repo, a.Logger, report.WithTimeout(cfg.Report.Timeout)),
	}, nil
}

func (a *App) scraper() (scrape.Scraper, error) {
	c := a.Config.Scraper
	if c.Mode == "direct" {
		return direct.New(direct.Options{UserAgent: c.UserAgent, Timeout: c.Timeout}, a.Logger), nil
	}
	return remote.New(remote.Options{
		BaseURL:       c.BaseURL,
		APIKey:        c.APIKey,
		UserAgent:     c.UserAgent,
		Timeout:       c.Timeout,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
	}, a.Logger)
}

func (a *App) analyzer() llm.Analyzer {
	c := a.Config.LLM
	if c.Provider == "anthropic" {
		return anthropic.NewClient(anthropic.Config{
			APIKey:          c.APIKey,
			BaseURL:         c.BaseURL,
			Model:           c.Model,
			Temperature:     c.Temperature,
			MaxTokens:       c.MaxTokens,
			Timeout:         c.Timeout,
			LenientOptional: true,
		}, a.Logger)
	}
	return openai.NewClient(openai.Config{
		APIKey:          c.APIKey,
		BaseURL:         c.BaseURL,
		Model:           c.Model,
		Temperature:     c.Temperature,
		MaxTokens:       c.MaxTokens,
		Timeout:         c.Timeout,
		LenientOptional: true,
	}, a.Logger)
}

func (a *App) reportStore() (report.ObjectStore, error) {
	c := a.Config.Report
	if c.Store == "s3" {
		return report.NewS3Store(report.S3Options{
			Endpoint:      c.S3Endpoint,
			AccessKey:     c.S3AccessKey,
			SecretKey:     c.S3SecretKey,
			Bucket:        c.S3Bucket,
			UseSSL:        c.S3UseSSL,
			PublicBaseURL: c.PublicBaseURL,
			CreateBucket:  true,
		}, a.Logger)
	}
	return report.NewFSStore(c.Dir, c.PublicBaseURL)
}

func (a *App) publisher() (events.Publisher, error) {
	c := a.Config.Kafka
	if len(c.Brokers) == 0 {
		return events.NewLogPublisher(a.Logger), nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: c.Brokers, Topic: c.Topic, ClientID: "listing-diagnostics"}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

// locker returns a Redis-backed lock when Redis is configured, nil for the in-process default.
func (a *App) locker() pipeline.Locker {
	c := a.Config.Redis
	if c.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	a.closers = append(a.closers, client.Close)
	return pipeline.NewRedisLocker(client, pipeline.RedisLockConfig{TTL: c.LockTTL})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
