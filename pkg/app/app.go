// Package app assembles a running process from configuration: storage, the
// command router, the log consumers, the query service and the HTTP surface.
// Everything here is wiring; behavior lives in the packages being wired.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/billstream/billstream/pkg/api"
	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/blob"
	"github.com/billstream/billstream/pkg/config"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/notify"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/ocr"
	"github.com/billstream/billstream/pkg/projection"
	"github.com/billstream/billstream/pkg/query"
	"github.com/billstream/billstream/pkg/readmodel"
	"github.com/billstream/billstream/pkg/reactive"
	"github.com/billstream/billstream/pkg/retry"
	"github.com/billstream/billstream/pkg/router"
)

// App is one assembled process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	obs    *observability.Provider

	Log      eventlog.Log
	Router   *router.Router
	ReadDB   *readmodel.DB
	Queries  *query.Service
	Blobs    blob.Store
	Notifier notify.Notifier

	signer  *blob.LocalSigner
	runners map[string]*projection.Runner
	order   []string
	server  *http.Server
	closers []func(context.Context) error
}

// New assembles the process. The returned App owns its database handles;
// release them with Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		runners: make(map[string]*projection.Runner),
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "billstream",
		OTLPEndpoint: cfg.Otel.Endpoint,
		SampleRate:   cfg.Otel.SampleRate,
		Enabled:      cfg.Otel.Enabled,
		Insecure:     true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("observability init: %w", err)
	}
	a.obs = obs
	a.closers = append(a.closers, obs.Shutdown)

	if err := a.openStorage(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		a.close()
		return nil, err
	}

	rules := bill.Rules{
		MaxFileBytes:        cfg.File.MaxBytes,
		AllowedContentTypes: cfg.File.AllowedContentTypes,
	}
	a.Router = router.New(a.Log, rules, logger,
		router.WithCacheSize(cfg.Router.CacheSize),
		router.WithConflictRetries(cfg.Router.RetryOnConflict),
		router.WithObservability(obs),
	)

	if cfg.SMTP.Addr != "" {
		a.Notifier = notify.NewSMTPNotifier(cfg.SMTP.Addr, cfg.SMTP.From, logger,
			notify.WithSMTPTimeout(cfg.SMTP.Timeout.Std()))
	} else {
		a.Notifier = notify.NewLogNotifier(logger)
	}

	a.Queries = query.New(a.ReadDB, a.Blobs, logger,
		query.WithPresignTTL(cfg.Query.PresignTTL.Std()))

	a.buildConsumers()
	a.buildServer()
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.cfg.Lite() {
		if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		// Two separate files: the log and the read models commit their own
		// transactions, and SQLite allows one writer per database.
		logDB, err := openSQLite(filepath.Join(a.cfg.DataDir, "log.db"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return logDB.Close() })

		readDB, err := openSQLite(filepath.Join(a.cfg.DataDir, "readmodel.db"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return readDB.Close() })

		log := eventlog.NewSQLiteLog(logDB)
		if err := log.Init(ctx); err != nil {
			return err
		}
		a.Log = log
		a.ReadDB = readmodel.NewDB(readDB, readmodel.DialectSQLite)
		return a.ReadDB.Init(ctx)
	}

	db, err := sql.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	log := eventlog.NewPostgresLog(db)
	if err := log.Init(ctx); err != nil {
		return err
	}
	a.Log = log
	a.ReadDB = readmodel.NewDB(db, readmodel.DialectPostgres)
	return a.ReadDB.Init(ctx)
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the pool's handles.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (a *App) openBlobs(ctx context.Context) error {
	cfg := a.cfg.Blob
	switch cfg.Driver {
	case "memory":
		a.signer = blob.NewLocalSigner(nil, "")
		a.Blobs = blob.NewMemoryStore(a.signer)
	case "file":
		root := cfg.Root
		if root == "" {
			root = filepath.Join(a.cfg.DataDir, "blobs")
		}
		a.signer = blob.NewLocalSigner(nil, "")
		store, err := blob.NewFileStore(root, a.signer)
		if err != nil {
			return err
		}
		a.Blobs = store
	case "s3":
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return err
		}
		a.Blobs = store
	case "gcs":
		store, err := blob.NewGCSStore(ctx, blob.GCSConfig{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
		if err != nil {
			return err
		}
		a.Blobs = store
	default:
		return fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
	return nil
}

func (a *App) buildConsumers() {
	add := func(handler projection.Handler) {
		settings := a.cfg.Consumer(handler.Name())
		a.runners[handler.Name()] = projection.NewRunner(a.Log, a.ReadDB, handler, a.logger,
			projection.WithBatchSize(settings.BatchSize),
			projection.WithPoisonBudget(settings.PoisonBudget),
			projection.WithObservability(a.obs),
		)
		a.order = append(a.order, handler.Name())
	}

	add(projection.NewSummaryHandler(a.ReadDB, a.logger, a.obs))
	add(projection.NewFilesHandler(a.ReadDB))

	if a.cfg.Ocr.URL != "" {
		extractor := ocr.NewClient(a.cfg.Ocr.URL, a.logger,
			ocr.WithTimeout(a.cfg.Ocr.Timeout.Std()),
			ocr.WithRetryPolicy(retry.Policy{
				Base:        50 * time.Millisecond,
				Cap:         5 * time.Second,
				MaxJitter:   100 * time.Millisecond,
				MaxAttempts: a.cfg.Ocr.Attempts,
			}))
		add(reactive.NewOcrOrchestrator(a.Router, a.Blobs, extractor, a.logger,
			reactive.WithMaxAutoRetries(a.cfg.Ocr.MaxAutoRetries),
			reactive.WithBlobTimeout(a.cfg.Blob.Timeout.Std()),
			reactive.WithObservability(a.obs)))
	} else {
		a.logger.Warn("ocr.url is not configured, extraction is disabled")
	}

	add(reactive.NewNotifierHandler(a.Router, a.Notifier, a.cfg.SMTP.Recipients, a.logger, a.obs))
}

func (a *App) buildServer() {
	opts := []api.Option{api.WithObservability(a.obs)}
	if a.signer != nil {
		opts = append(opts, api.WithLocalSigner(a.signer))
	}
	if a.cfg.RedisURL != "" {
		if redisOpts, err := redis.ParseURL(a.cfg.RedisURL); err != nil {
			a.logger.Warn("invalid REDIS_URL, falling back to local rate limiting", "cause", err)
			opts = append(opts, api.WithLimiter(
				api.NewLocalLimiter(a.cfg.HTTP.RateLimitRPS, a.cfg.HTTP.RateLimitBurst)))
		} else {
			client := redis.NewClient(redisOpts)
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
			opts = append(opts, api.WithLimiter(
				api.NewRedisLimiter(client, a.cfg.HTTP.RateLimitRPS, a.cfg.HTTP.RateLimitBurst)))
		}
	} else {
		opts = append(opts, api.WithLimiter(
			api.NewLocalLimiter(a.cfg.HTTP.RateLimitRPS, a.cfg.HTTP.RateLimitBurst)))
	}

	server := api.NewServer(a.Router, a.Queries, a.Blobs, api.Config{
		MaxFileBytes:        a.cfg.File.MaxBytes,
		AllowedContentTypes: a.cfg.File.AllowedContentTypes,
		Consumers:           append([]string(nil), a.order...),
	}, a.logger, opts...)

	a.server = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Consumers returns the configured consumer names in start order.
func (a *App) Consumers() []string {
	return append([]string(nil), a.order...)
}

// Runner returns the named consumer's runner, or nil.
func (a *App) Runner(name string) *projection.Runner {
	return a.runners[name]
}

// CatchUp drains every consumer to the current log head. Used by tests and
// by the replay command; the server path runs consumers continuously.
func (a *App) CatchUp(ctx context.Context) error {
	for _, name := range a.order {
		if err := a.runners[name].CatchUp(ctx); err != nil {
			return fmt.Errorf("consumer %s: %w", name, err)
		}
	}
	return nil
}

// Replay rebuilds one consumer's read model from the start of the log.
func (a *App) Replay(ctx context.Context, consumer string) error {
	runner, ok := a.runners[consumer]
	if !ok {
		return fmt.Errorf("unknown consumer %q", consumer)
	}
	if err := runner.Reset(ctx); err != nil {
		return err
	}
	return runner.CatchUp(ctx)
}

// Run starts the consumers and the HTTP server and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, name := range a.order {
		runner := a.runners[name]
		group.Go(func() error {
			if err := runner.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer %s: %w", name, err)
			}
			return nil
		})
	}

	group.Go(func() error {
		a.logger.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// Handler exposes the HTTP surface without binding a listener.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Close releases database handles, clients and the telemetry pipeline.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}
