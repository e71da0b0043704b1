package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"uisassist-backend/internal/cache"
	"uisassist-backend/internal/components/chrono"
	"uisassist-backend/internal/components/telemetry"
	"uisassist-backend/internal/crawler"
	"uisassist-backend/internal/portal"
	"uisassist-backend/internal/service"
	"uisassist-backend/pkg/configutil"
)

// env holds everything a command needs, built once per invocation.
type env struct {
	cfg       Config
	tel       telemetry.API
	time      chrono.TimeAPI
	client    *portal.Client
	registrar portal.Registrar
	store     cache.Store
	crawler   *crawler.Crawler
	service   *service.Service

	closers []func(ctx context.Context) error
}

func readConfig(path string) (Config, error) {
	var cfg Config
	var err error
	if filepath.IsAbs(path) {
		cfg, err = configutil.ReadConfig[Config](path)
	} else {
		cfg, err = configutil.ReadRecursively[Config](path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newTelemetry(ctx context.Context, cfg Config, e *env) (telemetry.API, error) {
	var inner telemetry.API = telemetry.NewSlogAPI(nil)
	if cfg.Log.Backend == "zap" {
		logger, err := telemetry.NewZapLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		zapApi := telemetry.NewZapAPI(logger)
		e.closers = append(e.closers, func(context.Context) error {
			// stderr sync fails on some terminals, nothing to do about it
			_ = zapApi.Sync()
			return nil
		})
		inner = zapApi
	}

	providers, err := telemetry.Setup(ctx, "uis-cli", cfg.Otlp)
	if err != nil {
		return nil, fmt.Errorf("setup otel: %w", err)
	}
	e.closers = append(e.closers, providers.Shutdown)

	tel, err := telemetry.NewOtelAPI(inner)
	if err != nil {
		return nil, fmt.Errorf("otel api: %w", err)
	}
	return tel, nil
}

func defaultCachePath(name string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "uisassist", name), nil
}

func openStore(ctx context.Context, cfg Config, tel telemetry.API) (cache.Store, error) {
	var store cache.Store
	switch cfg.Cache.Driver {
	case "redis":
		redisStore, err := cache.OpenRedisStore(ctx, cfg.Cache.Redis, "uisassist")
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		store = redisStore
	case "badger":
		path := cfg.Cache.Path
		if path == "" {
			var err error
			path, err = defaultCachePath("badger")
			if err != nil {
				return nil, err
			}
		}
		badgerStore, err := cache.OpenBadgerStore(path)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		store = badgerStore
	default:
		path := cfg.Cache.Path
		if path == "" {
			var err error
			path, err = defaultCachePath("cache.db")
			if err != nil {
				return nil, err
			}
		}
		sqliteStore, err := cache.OpenSqliteStore(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		store = sqliteStore
	}

	if !cfg.Cache.Encrypt {
		return store, nil
	}
	cipher, err := cache.NewHostCipher(cache.HostIdentifiers(cfg.Host(), cfg.Username)...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cache.NewSealed(store, cipher, tel), nil
}

func setup(ctx context.Context, overrides ...func(cfg *Config)) (*env, error) {
	cfg, err := readConfig(*configPath)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	e := &env{cfg: cfg, time: chrono.NewStandardTime()}

	e.tel, err = newTelemetry(ctx, cfg, e)
	if err != nil {
		return nil, err
	}

	e.client, err = portal.NewClient(portal.ClientOptions{
		BaseUrl:           cfg.BaseUrl,
		AllowedHost:       cfg.AllowedHost,
		RequestsPerSecond: cfg.RateLimit,
	}, e.tel)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create portal client: %w", err)
	}
	if cfg.Username != "" {
		err = e.client.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			e.Close()
			return nil, err
		}
	}
	examPage := cfg.ExamPage
	if examPage == "" {
		examPage = portal.DefaultExamPage
	}
	e.registrar = portal.NewRegistrar(e.client, portal.ActionUrls{ExamPage: examPage})

	e.store, err = openStore(ctx, cfg, e.tel)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { return e.store.Close() })

	documentsUrl, err := cfg.DocumentsUrl()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.crawler, err = crawler.NewCrawler(e.client, e.client, e.time, crawler.Options{
		BaseUrl:         documentsUrl,
		AllowedHost:     cfg.Host(),
		ListingEndpoint: cfg.Crawl.ListingEndpoint,
		DownloadMarker:  cfg.Crawl.DownloadMarker,
		MaxDepth:        cfg.Crawl.MaxDepth,
		Concurrency:     cfg.Crawl.Concurrency,
	}, e.tel)
	if err != nil {
		e.Close()
		return nil, err
	}

	windows, _ := cfg.Windows()
	e.service = service.NewService(
		e.client, e.registrar, e.crawler, e.store, e.time, e.tel,
		service.WithExamPage(examPage),
		service.WithWindows(windows),
		service.WithNamespace(cfg.Username),
	)
	return e, nil
}

// mustSetup is setup for commands, it exits on failure.
func mustSetup(ctx context.Context, overrides ...func(cfg *Config)) *env {
	e, err := setup(ctx, overrides...)
	if err != nil {
		fatal("failed to initialize", err)
	}
	return e
}

// Close runs the closers in reverse order, later calls are no-ops.
func (e *env) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := e.closers
	e.closers = nil
	errlist := []error{}
	for i := len(closers) - 1; i >= 0; i-- {
		err := closers[i](ctx)
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	err := errors.Join(errlist...)
	if err != nil && e.tel != nil {
		e.tel.ReportWarning("cli.close", err)
	}
}

// fatal closes e before exiting since deferred calls do not run after
// os.Exit.
func (e *env) fatal(message string, err error) {
	e.Close()
	fatal(message, err)
}
