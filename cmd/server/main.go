package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "cloudrelay/internal/api/http"
	"cloudrelay/internal/app"
	"cloudrelay/internal/cache"
	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/metrics"
	"cloudrelay/internal/providers/gdrive"
	"cloudrelay/internal/providers/mega"
	"cloudrelay/internal/providers/terabox"
	"cloudrelay/internal/providers/torrent"
	mongorepo "cloudrelay/internal/repository/mongo"
	"cloudrelay/internal/telemetry"
	"cloudrelay/internal/usecase"
)

const serviceName = "cloudrelay"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("openTimeout", cfg.UpstreamOpenTimeout),
		slog.Int("bufferBytes", cfg.RelayBufferBytes),
		slog.Int64("maxConcurrentRelays", cfg.MaxConcurrentRelays),
		slog.Bool("torrentEnabled", cfg.TorrentEnabled),
		slog.Bool("redis", cfg.RedisURL != ""),
		slog.Bool("journal", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstream := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	providers := usecase.Providers{
		mega.NewProvider(mega.Config{
			APIURL:            cfg.MegaAPIURL,
			Client:            upstream,
			RequestsPerSecond: cfg.MegaAPIRPS,
			Logger:            logger,
		}),
		terabox.NewProvider(terabox.Config{ResolverURL: cfg.TeraboxResolverURL, Client: upstream}),
		gdrive.NewProvider(gdrive.Config{APIKey: cfg.GDriveAPIKey, Client: upstream}),
	}

	var torrents *torrent.Provider
	if cfg.TorrentEnabled {
		torrents, err = torrent.New(torrent.Config{
			DataDir:     cfg.TorrentDataDir,
			IdleTimeout: cfg.TorrentIdleTimeout,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("torrent client init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		providers = append(providers, torrents)
	}

	manifestCache, redisClient := openManifestCache(rootCtx, cfg, logger)

	var journal ports.RelayJournal
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, journal, err = openJournal(rootCtx, cfg, logger)
		if err != nil {
			logger.Error("relay journal init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	contentTypes := domain.NewContentTypes(cfg.ContentTypes, cfg.DefaultContentType)
	hub := apihttp.NewWSHub(logger)

	recorder := &usecase.RecordRelay{Journal: journal, Feed: hub, Logger: logger}
	resolveUC := &usecase.ResolveFile{Providers: providers, ContentTypes: contentTypes}
	manifestUC := &usecase.BuildManifest{
		Providers:    providers,
		Cache:        manifestCache,
		TTL:          cfg.ManifestCacheTTL,
		ContentTypes: contentTypes,
		Logger:       logger,
	}

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithBuildManifest(manifestUC),
		apihttp.WithRelayRecorder(recorder),
		apihttp.WithWSHub(hub),
		apihttp.WithOpenTimeout(cfg.UpstreamOpenTimeout),
		apihttp.WithBufferSize(cfg.RelayBufferBytes),
		apihttp.WithMaxConcurrentRelays(cfg.MaxConcurrentRelays),
		apihttp.WithProviderNames(providers.Names()),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if len(cfg.ProxyAllowedHosts) > 0 {
		serverOpts = append(serverOpts, apihttp.WithProxy(apihttp.ProxyConfig{
			AllowedHosts: cfg.ProxyAllowedHosts,
			MaxBodyBytes: cfg.ProxyMaxBodyBytes,
			Client:       upstream,
		}))
	}

	handler := apihttp.NewServer(resolveUC, serverOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("providers", strings.Join(providers.Names(), ",")),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	recorder.Wait()
	hub.Close()
	if torrents != nil {
		if err := torrents.Close(); err != nil {
			logger.Warn("torrent client close error", slog.String("error", err.Error()))
		}
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// openManifestCache prefers redis and falls back to process memory when
// REDIS_URL is unset or unreachable.
func openManifestCache(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.ManifestCache, *redis.Client) {
	memory := func() ports.ManifestCache {
		return cache.NewMemory(cfg.ManifestCacheTTL, time.Minute)
	}
	if cfg.RedisURL == "" {
		return memory(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url invalid, using in-memory manifest cache", slog.String("error", err.Error()))
		return memory(), nil
	}
	client := redis.NewClient(opts)
	store := cache.NewRedis(client)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("redis ping failed, using in-memory manifest cache", slog.String("error", err.Error()))
		_ = client.Close()
		return memory(), nil
	}
	return store, client
}

func openJournal(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, ports.RelayJournal, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	journal := mongorepo.NewRelayJournal(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := journal.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return client, journal, nil
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
