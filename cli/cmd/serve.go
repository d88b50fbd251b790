package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/angus/adapter"
	"github.com/pithecene-io/angus/adapter/redis"
	"github.com/pithecene-io/angus/adapter/webhook"
	"github.com/pithecene-io/angus/cli/config"
	"github.com/pithecene-io/angus/jobs"
	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/metrics"
	"github.com/pithecene-io/angus/resource"
	"github.com/pithecene-io/angus/server"
	"github.com/pithecene-io/angus/service"
	"github.com/pithecene-io/angus/store"
	"github.com/pithecene-io/angus/stream"
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Usage:     "Path to YAML config file",
				EnvVars:   []string{"ANGUS_CONFIG"},
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.addr)",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "Public base URL (overrides server.base_url)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides log.level)",
			},
		},
		Action: serveAction,
	}
}

// loadServeConfig loads the config file, if any, and applies flag overrides.
func loadServeConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("base-url") {
		cfg.Server.BaseURL = c.String("base-url")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServeConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	instance, _ := os.Hostname()
	logger := log.NewLogger(log.Meta{Service: "angus", Instance: instance, Level: cfg.Log.Level})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger, instance)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer app.close(logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go app.server.RunSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]any{"addr": cfg.Server.Addr, "base_url": app.baseURL})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return cli.Exit(fmt.Sprintf("server failed: %v", err), 1)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	// Open output streams never end on their own.
	app.server.Streams().CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", map[string]any{"error": err.Error()})
	}
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background jobs still running at shutdown", map[string]any{"error": err.Error()})
	}
	return nil
}

// app holds the collaborators built for serve.
type app struct {
	baseURL  string
	store    store.Store
	notifier adapter.Adapter
	server   *server.Server
}

func (a *app) close(logger *log.Logger) {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			logger.Warn("notifier close failed", map[string]any{"error": err.Error()})
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", map[string]any{"error": err.Error()})
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *log.Logger, instance string) (*app, error) {
	collector := metrics.NewCollector(instance)

	st, err := buildStore(ctx, cfg.Storage, collector)
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{store: st, notifier: notifier}
	built := false
	defer func() {
		if !built {
			a.close(logger)
		}
	}()

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = deriveBaseURL(cfg.Server.Addr)
	}

	resolver := resource.NewResolver(resource.Config{
		FetchTimeout:       cfg.Resources.FetchTimeout.Duration,
		InsecureSkipVerify: cfg.Resources.InsecureSkipVerify,
		TempDir:            cfg.Resources.TempDir,
		MaxFetchBytes:      cfg.Resources.MaxFetchBytes,
		Concurrency:        cfg.Resources.Concurrency,
	}, logger, collector)
	if cfg.Resources.InsecureSkipVerify {
		logger.Warn("TLS verification disabled for resource fetches", nil)
	}

	services := service.Builtins()
	dispatcher, err := jobs.NewDispatcher(jobs.Config{
		BaseURL:       baseURL,
		NotifyTimeout: cfg.Notify.Timeout.Duration,
	}, jobs.Deps{
		Store:     st,
		Resolver:  resolver,
		Services:  services,
		Notifier:  notifier,
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Config{
		BaseURL:         baseURL,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		IdleTimeout:     cfg.Stream.IdleTimeout.Duration,
		Stream: stream.Config{
			QueueSize:     cfg.Stream.QueueSize,
			MaxFrameSize:  cfg.Stream.MaxFrameBytes,
			ReadChunkSize: cfg.Stream.ReadChunkBytes,
		},
	}, server.Deps{
		Dispatcher: dispatcher,
		Services:   services,
		Logger:     logger,
		Collector:  collector,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("services registered", map[string]any{"services": services.Names()})
	a.baseURL = baseURL
	a.server = srv
	built = true
	return a, nil
}

// buildStore assembles the TTL tiers. Tiers without configuration fall
// back to memory.
func buildStore(ctx context.Context, cfg config.StorageConfig, collector *metrics.Collector) (store.Store, error) {
	memory := store.NewMemoryStore(cfg.Memory.Retention.Duration)

	var shared, durable store.Store
	if cfg.Shared.RedisURL != "" {
		rs, err := store.NewRedisStore(store.RedisConfig{
			URL:       cfg.Shared.RedisURL,
			Expiry:    cfg.Shared.Expiry.Duration,
			KeyPrefix: cfg.Shared.KeyPrefix,
		})
		if err != nil {
			_ = memory.Close()
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			_ = memory.Close()
			return nil, fmt.Errorf("redis store unreachable: %w", err)
		}
		shared = rs
	}

	dcfg := store.DurableConfig{Dataset: cfg.Durable.Dataset}
	switch cfg.Durable.Backend {
	case config.BackendFS:
		ds, err := store.NewDurableStore(dcfg, cfg.Durable.Path)
		if err != nil {
			return nil, closeAll(err, memory, shared)
		}
		durable = ds
	case config.BackendS3:
		bucket, prefix := store.ParseS3Path(cfg.Durable.Path)
		ds, err := store.NewDurableS3Store(ctx, dcfg, store.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Durable.Region,
			Endpoint:     cfg.Durable.Endpoint,
			UsePathStyle: cfg.Durable.S3PathStyle,
		})
		if err != nil {
			return nil, closeAll(err, memory, shared)
		}
		durable = ds
	}

	tiered, err := store.NewTiered(memory, shared, durable)
	if err != nil {
		return nil, closeAll(err, memory, shared, durable)
	}
	return store.NewInstrumented(tiered, collector), nil
}

func closeAll(err error, stores ...store.Store) error {
	for _, s := range stores {
		if s != nil {
			_ = s.Close()
		}
	}
	return err
}

// buildNotifier returns nil when notifications are disabled.
func buildNotifier(cfg config.NotifyConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case config.NotifyNone:
		return nil, nil
	case config.NotifyWebhook:
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case config.NotifyRedis:
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown notify type %q", cfg.Type)
	}
}

// deriveBaseURL turns a listen address into a client-facing URL.
func deriveBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
