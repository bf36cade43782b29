package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/AyooB00/Qouantb-sub001/internal/api"
	"github.com/AyooB00/Qouantb-sub001/internal/finnhub"
	"github.com/AyooB00/Qouantb-sub001/internal/llm"
	"github.com/AyooB00/Qouantb-sub001/internal/market"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/cache"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/config"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/health"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	serviceName := cfg.Observability.ServiceName

	metrics, err := observability.NewMetrics(serviceName, cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tracer, err := observability.NewTracerProvider(ctx, serviceName, cfg.Observability.Tracing.Endpoint, cfg.Observability.Tracing.Enabled)
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}

	logger.Info("observability setup complete", "service", serviceName)

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.LogError(ctx, "server stopped with error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "tracer shutdown failed", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "metrics shutdown failed", err)
	}
	logger.Info("application stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) error {
	fh, err := finnhub.NewClient(finnhub.ClientConfig{
		BaseURL: cfg.Finnhub.BaseURL,
		APIKey:  cfg.Finnhub.APIKey,
		Timeout: cfg.Finnhub.Timeout,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create finnhub client: %w", err)
	}

	governor, err := resilience.NewGovernor(resilience.GovernorConfig{
		Name:                 "finnhub",
		RequestsPerMinute:    cfg.Finnhub.RequestsPerMinute,
		MaxRetries:           maxRetries(cfg.Finnhub.MaxRetries),
		DisableDeduplication: !cfg.Finnhub.Deduplication,
		MaxBackoff:           cfg.Finnhub.MaxBackoff,
		Logger:               logger,
		Metrics:              metrics,
	})
	if err != nil {
		return fmt.Errorf("create governor: %w", err)
	}
	defer governor.Close()

	providers := []health.Provider{fh}
	serviceCfg := market.ServiceConfig{
		Governor:   governor,
		MarketData: fh,
		Namespaces: namespaces(cfg.Cache),
		Watchlist:  cfg.Cache.Watchlist,
		Logger:     logger,
		Metrics:    metrics,
	}

	if cfg.OpenAI.Enabled() {
		client, err := llm.NewClient(llm.ClientConfig{
			BaseURL:      cfg.OpenAI.BaseURL,
			APIKey:       cfg.OpenAI.APIKey,
			Model:        cfg.OpenAI.Model,
			RateLimitRPM: cfg.OpenAI.RequestsPerMinute,
			Timeout:      cfg.OpenAI.Timeout,
			RetryConfig: resilience.RetryConfig{
				MaxAttempts: cfg.OpenAI.MaxAttempts,
				BaseDelay:   time.Second,
				MaxDelay:    20 * time.Second,
				Jitter:      0.2,
			},
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return fmt.Errorf("create llm client: %w", err)
		}
		serviceCfg.LLM = client
		providers = append(providers, client)
	} else {
		logger.Warn("openai api key not set, analyses disabled")
	}

	svc, err := market.NewService(serviceCfg)
	if err != nil {
		return fmt.Errorf("create market service: %w", err)
	}
	defer svc.Close()

	warmer := cache.NewWarmer(logger, cache.DefaultWarmupConfig())
	warmer.RegisterProvider(svc)
	warmJob := scheduler.NewJob("cache-warmup", func(ctx context.Context) error {
		return warmer.Warmup(ctx).Err()
	})

	sched := scheduler.New(scheduler.Config{Logger: logger, Timeout: cache.DefaultWarmupConfig().Timeout})
	if cfg.Cache.WarmSchedule != "" && len(cfg.Cache.Watchlist) > 0 {
		if err := sched.Add(cfg.Cache.WarmSchedule, warmJob); err != nil {
			return fmt.Errorf("schedule cache warmup: %w", err)
		}
		go func() { _ = sched.RunNow(ctx, warmJob) }()
	}
	sched.Start()
	defer sched.Stop()

	server := api.New(api.Config{
		Port:            cfg.HTTP.Port,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		RequestTimeout:  cfg.HTTP.RequestTimeout,
		Market:          svc,
		Governor:        governor,
		HealthProviders: providers,
		Logger:          logger,
		Metrics:         metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully stopping...")
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// maxRetries maps the config's "0 means none" onto the governor's
// "negative means none".
func maxRetries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func namespaces(c config.CacheConfig) cache.Namespaces {
	ns := cache.DefaultNamespaces()
	ns.Quotes.Capacity, ns.Quotes.TTL = c.Quotes.Capacity, c.Quotes.TTL
	ns.Profiles.Capacity, ns.Profiles.TTL = c.Profiles.Capacity, c.Profiles.TTL
	ns.Analyses.Capacity, ns.Analyses.TTL = c.Analyses.Capacity, c.Analyses.TTL
	if c.SweepInterval > 0 {
		ns.SweepInterval = c.SweepInterval
	}
	return ns
}
