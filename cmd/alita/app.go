package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/config"
	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/fetch"
	"github.com/jmylchreest/alita/internal/metrics"
	"github.com/jmylchreest/alita/internal/pool"
	"github.com/jmylchreest/alita/internal/proxy"
	"github.com/jmylchreest/alita/internal/resolver"
)

// app holds the long-lived components. main owns it and passes handles
// explicitly.
type app struct {
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	cache      *cookies.Cache
	supervisor *browser.Supervisor
	pool       *pool.Pool
	service    *proxy.Service
	logger     *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = fetch.DefaultUserAgent
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent: userAgent,
		ProxyURL:  cfg.ProxyURL,
		Logger:    logger,
	})

	engine := browser.NewRodEngine(browser.RodConfig{
		ChromePath:     cfg.ChromePath,
		Headless:       cfg.Headless,
		NoSandbox:      cfg.DisableSandbox,
		ProxyURL:       cfg.ProxyURL,
		UserAgent:      userAgent,
		Stealth:        !cfg.DisableStealth,
		BlockResources: cfg.BlockResources,
	}, logger)

	sup := browser.NewSupervisor(engine, browser.SupervisorConfig{
		IdleTimeout:    cfg.BrowserIdleTimeout,
		StartupTimeout: cfg.BrowserStartupTimeout,
		Logger:         logger,
		Metrics:        m,
	})

	tabs := pool.New(sup, pool.Config{
		Capacity:     cfg.TabPoolSize,
		QueueTimeout: cfg.PoolQueueTimeout,
		Logger:       logger,
		Metrics:      m,
	})

	cache := cookies.New(cookies.Config{
		TTL:     cfg.CookieTTL,
		Size:    cfg.CookieCacheSize,
		Logger:  logger,
		Metrics: m,
	})

	res := resolver.New(resolver.Config{
		PollInterval: cfg.ResolverPollInterval,
		Logger:       logger,
		Metrics:      m,
	})

	svc := proxy.New(fetcher, cache, tabs, res, proxy.Config{
		WaitTimeout: cfg.WaitTimeout,
		HTTPTimeout: cfg.HTTPTimeout,
		ReadyTarget: cfg.ReadyTarget(),
		Replay:      cfg.ReplaySnapshot,
		Logger:      logger,
		Metrics:     m,
	})

	return &app{
		registry:   reg,
		metrics:    m,
		cache:      cache,
		supervisor: sup,
		pool:       tabs,
		service:    svc,
		logger:     logger,
	}
}

// Close stops accepting browser work and shuts the browser down.
func (a *app) Close() {
	a.pool.Close()
	if err := a.supervisor.Close(); err != nil {
		a.logger.Warn("error stopping browser", "error", err)
	}
}
