package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-sigma/internal/backend"
	"github.com/telhawk-systems/telhawk-sigma/internal/config"
	"github.com/telhawk-systems/telhawk-sigma/internal/executor"
	"github.com/telhawk-systems/telhawk-sigma/internal/fetcher"
	"github.com/telhawk-systems/telhawk-sigma/internal/indexlock"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
	natsclient "github.com/telhawk-systems/telhawk-sigma/internal/messaging/nats"
	"github.com/telhawk-systems/telhawk-sigma/internal/opensearch"
	"github.com/telhawk-systems/telhawk-sigma/internal/pipeline"
	"github.com/telhawk-systems/telhawk-sigma/internal/repository"
	"github.com/telhawk-systems/telhawk-sigma/internal/service"
)

// openRepository connects the configured job store. Postgres is migrated first.
func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.Database.Type {
	case "memory":
		return repository.NewInMemoryRepository(), nil
	case "postgres", "":
		connString := cfg.Database.Postgres.ConnString()
		if err := repository.Migrate(connString); err != nil {
			return nil, err
		}
		return repository.NewPostgresRepository(ctx, connString)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

func newBackend(cfg *config.Config) *backend.Backend {
	sysmon := pipeline.WindowsSysmon()
	sysmon.FieldMappings = cfg.Sigma.Mappings()
	sysmon.FailOnUnmapped = cfg.Sigma.FailOnUnmapped
	return backend.New(pipeline.NewChain(sysmon))
}

func backendOptions(cfg *config.Config) backend.Options {
	return backend.Options{
		Indices:          cfg.Monitor.Indices,
		TimestampField:   cfg.Detection.TimestampField,
		Enabled:          cfg.Monitor.Enabled,
		ScheduleInterval: cfg.Monitor.Interval,
		ScheduleUnit:     cfg.Monitor.Unit,
		IndexPatternID:   cfg.Monitor.IndexPatternID,
	}
}

func newFetcher(cfg *config.Config, logger *logging.Logger) *fetcher.Fetcher {
	client := &http.Client{Timeout: cfg.Sigma.FetchTimeout}
	return fetcher.New(client, cfg.Sigma.MaxArchiveBytes, logger)
}

// newLocker returns a Redis-backed index lock when Redis is enabled, otherwise an in-process one.
func newLocker(cfg *config.Config, logger *logging.Logger) (indexlock.Locker, func(), error) {
	if !cfg.Redis.Enabled {
		return indexlock.NewLocalLocker(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.PoolSize = cfg.Redis.PoolSize

	client := redis.NewClient(opts)
	return indexlock.NewRedisLocker(client, cfg.Redis.LockTTL, cfg.Redis.LockRetry, logger), func() { _ = client.Close() }, nil
}

// newBus connects to NATS when enabled. The returned client is nil when messaging is off.
func newBus(cfg *config.Config, logger *logging.Logger) (messaging.Publisher, *natsclient.Client, error) {
	if !cfg.NATS.Enabled {
		return messaging.NoopPublisher{}, nil, nil
	}
	client, err := natsclient.NewClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "telhawk-sigma",
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

// app bundles the components shared by serve and run.
type app struct {
	repo     repository.Repository
	jobs     *service.Service
	executor *executor.Executor
	bus      *natsclient.Client
	closers  []func()
}

func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	rt := &app{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	rt.repo = repo
	rt.closers = append(rt.closers, repo.Close)
	rt.jobs = service.NewService(repo)

	search, err := opensearch.NewClient(ctx, cfg.OpenSearch)
	if err != nil {
		return nil, err
	}

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeLocker)

	publisher, bus, err := newBus(cfg, logger)
	if err != nil {
		return nil, err
	}
	if bus != nil {
		rt.bus = bus
		rt.closers = append(rt.closers, func() { _ = bus.Close() })
	}

	rt.executor = executor.New(search, rt.jobs, locker, publisher, logger, cfg.Detection)
	ok = true
	return rt, nil
}
