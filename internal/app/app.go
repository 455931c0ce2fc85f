// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/api"
	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/bulk"
	"github.com/pagetrail/pagetrail/internal/clock/system"
	"github.com/pagetrail/pagetrail/internal/config"
	"github.com/pagetrail/pagetrail/internal/coverage"
	"github.com/pagetrail/pagetrail/internal/hash/sha256"
	uuidgen "github.com/pagetrail/pagetrail/internal/id/uuid"
	"github.com/pagetrail/pagetrail/internal/logging"
	"github.com/pagetrail/pagetrail/internal/metrics"
	"github.com/pagetrail/pagetrail/internal/pagestate"
	"github.com/pagetrail/pagetrail/internal/progress"
	"github.com/pagetrail/pagetrail/internal/progress/sinks"
	memorypublisher "github.com/pagetrail/pagetrail/internal/publisher/memory"
	pubsubpublisher "github.com/pagetrail/pagetrail/internal/publisher/pubsub"
	"github.com/pagetrail/pagetrail/internal/scheduler"
	"github.com/pagetrail/pagetrail/internal/source/commoncrawl"
	"github.com/pagetrail/pagetrail/internal/source/download"
	"github.com/pagetrail/pagetrail/internal/source/fallback"
	"github.com/pagetrail/pagetrail/internal/source/wayback"
	"github.com/pagetrail/pagetrail/internal/storage"
	gcsstore "github.com/pagetrail/pagetrail/internal/storage/gcs"
	localstore "github.com/pagetrail/pagetrail/internal/storage/local"
	memorystore "github.com/pagetrail/pagetrail/internal/storage/memory"
	pgstore "github.com/pagetrail/pagetrail/internal/storage/postgres"
)

const shutdownTimeout = 30 * time.Second

// domainStore is the store surface the app seeds at startup. Both the memory
// and postgres implementations provide the upsert.
type domainStore interface {
	archiver.DomainStore
	UpsertDomain(ctx context.Context, d archiver.Domain) error
}

// stores bundles the persistence collaborators built from the db provider.
type stores struct {
	domains domainStore
	runs    archiver.RunStore
	pages   archiver.PageStore
	gaps    archiver.GapStore
	rules   archiver.FilterRuleStore
	ready   api.ReadyCheck
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and owns their shutdown order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	publisher archiver.Publisher
	hub       *progress.Hub
	sched     *scheduler.Scheduler
	server    *api.Server
}

// New creates and initializes the service graph based on the application's
// configuration. It is designed to fail fast if any critical collaborator
// cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	clock := system.New()
	ids := uuidgen.New()

	st, err := a.buildStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.buildPublisher(ctx); err != nil {
		return nil, err
	}
	a.buildHub(st.pages)

	classifier, err := pagestate.NewClassifier(pagestate.ClassifierConfig{
		MinContentBytes: cfg.Classifier.MinContentBytes,
		MaxContentBytes: cfg.Classifier.MaxContentBytes,
		MinTextChars:    cfg.Classifier.MinTextChars,
		AllowedTypes:    cfg.Classifier.AllowedTypes,
		ListPatterns:    cfg.Classifier.ListPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("init classifier: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval(),
		Workers:        cfg.Scheduler.Workers,
		RunTimeout:     cfg.Scheduler.RunTimeout(),
		ListPageSize:   cfg.Scheduler.ListPageSize,
		MaxPagesPerRun: cfg.Scheduler.MaxPagesPerRun,
		InitialHistory: cfg.Scheduler.InitialHistory(),
		RetryPasses:    cfg.Scheduler.RetryPasses,
	}, scheduler.Deps{
		Domains:    st.domains,
		Runs:       st.runs,
		Pages:      st.pages,
		Gaps:       st.gaps,
		Rules:      st.rules,
		Blobs:      blobs,
		Sources:    a.sourceFactory(clock),
		Analyzer:   coverage.New(nil, cfg.Coverage.DefaultPagesPerDay, ids),
		Classifier: classifier,
		Hub:        a.hub,
		Hasher:     sha256.New(),
		Clock:      clock,
		IDs:        ids,
		Logger:     logger.Named("scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	a.sched = sched

	bulkProc, err := bulk.New(st.pages, logger.Named("bulk"))
	if err != nil {
		return nil, fmt.Errorf("init bulk processor: %w", err)
	}

	server, err := api.NewServer(api.Deps{
		Domains: st.domains,
		Runs:    st.runs,
		Pages:   st.pages,
		Gaps:    st.gaps,
		Sched:   sched,
		Bulk:    bulkProc,
		Clock:   clock,
		Ready:   st.ready,
		Logger:  logger.Named("api"),
	}, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init api server: %w", err)
	}
	a.server = server

	if err := a.seedDomains(ctx, st.domains, clock); err != nil {
		return nil, err
	}
	logger.Info("application services initialized")
	return a, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler exposes the HTTP control surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Scheduler exposes the run scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) buildStores(ctx context.Context) (stores, error) {
	switch a.cfg.DB.Provider {
	case config.DBPostgres:
		a.logger.Info("connecting to postgres")
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        int32(a.cfg.DB.MaxConns),
			MinConns:        int32(a.cfg.DB.MinConns),
			MaxConnLifetime: a.cfg.DB.ConnLifetime(),
		})
		if err != nil {
			return stores{}, fmt.Errorf("init postgres pool: %w", err)
		}
		a.pool = pool
		domains, err := pgstore.NewDomainStore(pool)
		if err != nil {
			return stores{}, err
		}
		runs, err := pgstore.NewRunStore(pool)
		if err != nil {
			return stores{}, err
		}
		pages, err := pgstore.NewPageStore(pool)
		if err != nil {
			return stores{}, err
		}
		gaps, err := pgstore.NewGapStore(pool)
		if err != nil {
			return stores{}, err
		}
		rules, err := pgstore.NewFilterRuleStore(pool)
		if err != nil {
			return stores{}, err
		}
		return stores{
			domains: domains,
			runs:    runs,
			pages:   pages,
			gaps:    gaps,
			rules:   rules,
			ready:   func(ctx context.Context) error { return pool.Ping(ctx) },
		}, nil

	case config.DBMemory:
		a.logger.Info("using in-memory stores; state is lost on restart")
		return stores{
			domains: memorystore.NewDomainStore(),
			runs:    memorystore.NewRunStore(),
			pages:   memorystore.NewPageStore(),
			gaps:    memorystore.NewGapStore(),
			rules:   memorystore.NewFilterRuleStore(),
		}, nil

	default:
		return stores{}, fmt.Errorf("unknown db provider %q", a.cfg.DB.Provider)
	}
}

func (a *App) buildBlobStore(ctx context.Context) (archiver.BlobStore, error) {
	switch a.cfg.Blob.Provider {
	case config.BlobGCS:
		a.logger.Info("using gcs blob store", zap.String("bucket", a.cfg.Blob.GCSBucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Blob.GCSBucket})
	case config.BlobLocal:
		a.logger.Info("using local blob store", zap.String("base_dir", a.cfg.Blob.BaseDir))
		return localstore.New(localstore.Config{BaseDir: a.cfg.Blob.BaseDir})
	case config.BlobMemory:
		return memorystore.NewBlobStore(), nil
	case config.BlobNoop:
		a.logger.Info("using noop blob store; fetched content is discarded")
		return storage.NoopBlobStore{}, nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", a.cfg.Blob.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Provider {
	case config.PublisherPubSub:
		a.logger.Info("connecting to pub/sub", zap.String("project", a.cfg.Publisher.ProjectID))
		client, err := gcpubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		a.publisher = pubsubpublisher.New(client)
	case config.PublisherMemory:
		a.publisher = memorypublisher.New()
	case config.PublisherNoop:
		a.publisher = nil
	default:
		return fmt.Errorf("unknown publisher provider %q", a.cfg.Publisher.Provider)
	}
	return nil
}

func (a *App) buildHub(pages archiver.PageStore) {
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger.Named("events"))}
	if promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer); err != nil {
		a.logger.Warn("prometheus sink init failed", zap.Error(err))
	} else {
		hubSinks = append(hubSinks, promSink)
	}
	if a.publisher != nil {
		var counts sinks.StatusCounter
		if pages != nil {
			counts = pages.StatusCounts
		}
		hubSinks = append(hubSinks, sinks.NewPublisherSink(a.publisher, a.cfg.Publisher.Topic, counts, a.logger.Named("publisher")))
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("hub")}, hubSinks...)
}

// fallbackKey identifies one fallback controller configuration, so domains
// sharing a configuration share the controller and its breaker state.
type fallbackKey struct {
	strategy  archiver.FallbackStrategy
	threshold int
	cooldown  time.Duration
	delay     time.Duration
}

// sourceFactory builds the archive source for one domain's configuration:
// a single backend client, or in hybrid mode the fallback controller with
// Common Crawl preferred and the Wayback Machine behind it. Clients and
// controllers live for the process, not for one run: breaker state and rate
// limiter budgets must persist across runs.
func (a *App) sourceFactory(clock archiver.Clock) scheduler.SourceFactory {
	dl := download.New(download.Config{
		UserAgent: a.cfg.Sources.UserAgent,
		Timeout:   a.cfg.SourceTimeout(),
	})
	logger := a.logger.Named("sources")

	wb := wayback.New(wayback.Config{
		BaseURL:           a.cfg.Sources.Wayback.BaseURL,
		RequestsPerMinute: a.cfg.Sources.Wayback.RequestsPerMinute,
		PageSize:          a.cfg.Sources.Wayback.PageSize,
		Timeout:           a.cfg.SourceTimeout(),
	}, dl)
	cc := commoncrawl.New(commoncrawl.Config{
		IndexURL:          a.cfg.Sources.CommonCrawl.IndexURL,
		DataURL:           a.cfg.Sources.CommonCrawl.DataURL,
		Collections:       a.cfg.Sources.CommonCrawl.Collections,
		RequestsPerMinute: a.cfg.Sources.CommonCrawl.RequestsPerMinute,
		PageSize:          a.cfg.Sources.CommonCrawl.PageSize,
		Timeout:           a.cfg.SourceTimeout(),
	}, dl)

	var mu sync.Mutex
	controllers := make(map[fallbackKey]*fallback.Controller)

	return func(dc archiver.DomainConfig) (archiver.ArchiveSource, error) {
		switch dc.ArchiveSource {
		case archiver.SourceWayback, "":
			return wb, nil
		case archiver.SourceCommonCrawl:
			return cc, nil
		case archiver.SourceHybrid:
			key := fallbackKey{
				strategy:  dc.FallbackStrategy,
				threshold: dc.CircuitBreakerThreshold,
				cooldown:  dc.RecoveryTime(),
				delay:     dc.FallbackDelay(),
			}
			mu.Lock()
			defer mu.Unlock()
			if ctrl, ok := controllers[key]; ok {
				return ctrl, nil
			}
			ctrl, err := fallback.New(
				[]archiver.ArchiveSource{cc, wb},
				fallback.Config{
					Strategy:  dc.FallbackStrategy,
					Threshold: dc.CircuitBreakerThreshold,
					Cooldown:  dc.RecoveryTime(),
					Delay:     dc.FallbackDelay(),
				},
				clock,
				logger,
				a.onBreakerChange(clock),
			)
			if err != nil {
				return nil, err
			}
			controllers[key] = ctrl
			return ctrl, nil
		default:
			return nil, fmt.Errorf("unknown archive source %q", dc.ArchiveSource)
		}
	}
}

func (a *App) onBreakerChange(clock archiver.Clock) fallback.StateChangeFunc {
	return func(change fallback.StateChange) {
		metrics.ObserveBreakerTransition(change.Backend, string(change.To))
		a.hub.Emit(progress.Event{
			TS:          clock.Now(),
			Stage:       progress.StageBreaker,
			Backend:     change.Backend,
			BreakerFrom: string(change.From),
			BreakerTo:   string(change.To),
		})
	}
}

// seedDomains upserts configured domains so a fresh deployment starts with
// its targets registered. Configured values win over existing rows; domains
// absent from configuration are left alone.
func (a *App) seedDomains(ctx context.Context, domains domainStore, clock archiver.Clock) error {
	for name, seed := range a.cfg.Domains {
		existing, err := domains.GetDomain(ctx, name)
		switch {
		case err == nil:
			existing.Enabled = seed.Enabled
			existing.Config = seed.Config
			if err := domains.UpsertDomain(ctx, existing); err != nil {
				return fmt.Errorf("seed domain %s: %w", name, err)
			}
		case errors.Is(err, archiver.ErrNotFound):
			if err := domains.UpsertDomain(ctx, archiver.Domain{
				ID:        name,
				Name:      name,
				Enabled:   seed.Enabled,
				Config:    seed.Config,
				CreatedAt: clock.Now(),
			}); err != nil {
				return fmt.Errorf("seed domain %s: %w", name, err)
			}
		default:
			return fmt.Errorf("seed domain %s: %w", name, err)
		}
		a.logger.Info("seeded domain", zap.String("domain", name), zap.Bool("enabled", seed.Enabled))
	}
	return nil
}

// Run starts the scheduler and HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown order: drain HTTP, stop the
// scheduler waiting for in-flight runs, close the event hub, release
// clients.
func (a *App) Run(ctx context.Context) error {
	if err := a.sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.logger.Error("http server failed", zap.Error(serveErr))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.sched.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler stop error", zap.Error(err))
	}
	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Error("hub close error", zap.Error(err))
	}
	a.Close()
	a.logger.Info("shutdown complete")
	return serveErr
}

// Close releases long-lived clients. Safe to call after Run returns.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("publisher close error", zap.Error(err))
		}
		a.publisher = nil
	}
	// Best effort; stderr may already be gone.
	_ = a.logger.Sync()
}
