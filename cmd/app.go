package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chansync/bypass"
	"chansync/credentials"
	"chansync/engine"
	"chansync/internal"
	"chansync/site"
	"chansync/store"
	"chansync/utils"
)

// app holds the wired components shared by the commands
type app struct {
	config      *internal.Config
	registry    *site.Registry
	credentials internal.CredentialStore
	bypass      *bypass.Manager
	httpClient  *utils.HTTPClient
	backends    *site.Backends
	store       internal.ResourceStore
	tracker     internal.ActiveRequestTracker
	limiter     internal.RateLimiter
	bookmarks   *engine.BookmarkRegistry
	coordinator *engine.Coordinator
	validator   *utils.URLValidator

	closers []func() error
}

// newApp wires every component from cfg. Close releases what was opened.
func newApp(ctx context.Context, cfg *internal.Config) (*app, error) {
	a := &app{config: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.config

	registry := site.DefaultRegistry()
	if cfg.SitesFile != "" {
		loaded, err := site.LoadRegistry(cfg.SitesFile)
		if err != nil {
			return err
		}
		registry = loaded
	}
	a.registry = registry
	internal.LogDebug("Sites: %v", registry.Names())

	if err := a.initCredentials(ctx); err != nil {
		return err
	}

	a.httpClient = utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:   cfg.Timeout(),
		ProxyURL:  cfg.ProxyURL,
		UserAgent: cfg.UserAgent,
		Challenge: &utils.ChallengeInterceptorConfig{
			Credentials: a.credentials,
			Notifier:    a.bypass,
			Sites:       registry,
		},
	})
	a.backends = site.NewBackends(registry, a.httpClient)

	if err := a.initStore(ctx); err != nil {
		return err
	}

	if cfg.RequestRate != "" {
		perSecond, err := utils.ParseRequestRate(cfg.RequestRate)
		if err != nil {
			return internal.NewValidationErrorWithValue("request_rate", err.Error(), cfg.RequestRate).
				WithSuggestion("Use formats like 5, 5/s, 120/m or 3600/h")
		}
		if perSecond > 0 {
			a.limiter = utils.NewTokenBucketLimiter(perSecond)
		}
	}

	a.bookmarks = engine.NewBookmarkRegistry()
	a.coordinator = engine.NewCoordinator(engine.CoordinatorConfig{
		Store:         a.store,
		Backends:      a.backends,
		Tracker:       a.tracker,
		FetchNotifier: a.bookmarks,
		BatchSize:     cfg.BatchSize,
	})
	a.validator = utils.NewURLValidator(registry)
	return nil
}

func (a *app) initCredentials(ctx context.Context) error {
	cfg := a.config

	switch {
	case cfg.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return internal.NewStoreError("redis connect", err).WithContext("addr", cfg.RedisAddr)
		}
		a.credentials = credentials.NewRedisStore(rdb, "")
		a.tracker = engine.NewRedisTracker(rdb, 0)
		a.bypass = bypass.NewManager(a.credentials)
		internal.LogDebug("Using redis credentials at %s", cfg.RedisAddr)

	case cfg.CredentialsFile != "":
		fileStore, err := credentials.OpenFileStore(cfg.CredentialsFile)
		if err != nil {
			return err
		}
		a.credentials = fileStore
		a.tracker = engine.NewMemoryTracker()
		a.bypass = bypass.NewManager(fileStore)
		if err := fileStore.Watch(a.bypass.Reconcile); err != nil {
			internal.LogWarn("Credentials file will not be reloaded: %v", err)
		} else {
			a.closers = append(a.closers, fileStore.Close)
		}
		internal.LogDebug("Using credentials file %s", fileStore.Path())

	default:
		a.credentials = credentials.NewMemoryStore()
		a.tracker = engine.NewMemoryTracker()
		a.bypass = bypass.NewManager(a.credentials)
	}
	return nil
}

func (a *app) initStore(ctx context.Context) error {
	cfg := a.config

	switch cfg.StoreBackend {
	case internal.StoreLevelDB:
		db, err := store.OpenLevelDB(cfg.StorePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.store = store.NewTieredStore(db)
	case internal.StorePostgres:
		pg, err := store.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		a.store = store.NewTieredStore(pg)
	case internal.StoreMemory:
		a.store = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	internal.LogDebug("Snapshot store: %s", cfg.StoreBackend)
	return nil
}

// batchConfig builds the orchestrator settings from the configuration
func (a *app) batchConfig() engine.BatchConfig {
	return engine.BatchConfig{
		BatchSize: a.config.BatchSize,
		Limiter:   a.limiter,
		DevMode:   a.config.DevMode,
	}
}

// Close releases stores and connections in reverse order
func (a *app) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
