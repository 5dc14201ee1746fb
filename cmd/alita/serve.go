package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/alita/internal/api/handlers"
	"github.com/jmylchreest/alita/internal/auth"
	"github.com/jmylchreest/alita/internal/config"
	"github.com/jmylchreest/alita/internal/http/mw"
	"github.com/jmylchreest/alita/internal/shutdown"
	"github.com/jmylchreest/alita/internal/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, func(c *config.Config) {
				if host != "" {
					c.Host = host
				}
				if port != 0 {
					c.Port = port
				}
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host; overrides ALITA_HOST")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port; overrides ALITA_PORT")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg, os.Stdout)

	logger.Info("starting alita",
		"version", version.Get().Version,
		"addr", cfg.Addr(),
		"tab_pool_size", cfg.TabPoolSize,
		"headless", cfg.Headless,
		"stealth", !cfg.DisableStealth,
	)

	a := newApp(cfg, logger)
	defer a.Close()

	// Exits the whole process after SERVER_IDLE_TIMEOUT without requests.
	serverIdle := shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
		Name:    "server",
		Timeout: cfg.ServerIdleTimeout,
		Logger:  logger,
	})
	serverIdle.Start()
	defer serverIdle.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			mw.HeaderSignature, mw.HeaderTimestamp, mw.HeaderClientID, mw.HeaderScopes},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if cfg.RateLimitRPM > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitRPM, time.Minute))
		logger.Info("rate limiting enabled", "requests_per_minute", cfg.RateLimitRPM)
	}
	if serverIdle.IsEnabled() {
		r.Use(serverIdle.Middleware)
	}

	humaConfig := huma.DefaultConfig("alita", version.Get().Version)
	humaConfig.Info.Description = "Challenge-aware HTTP fetch proxy"

	// Unauthenticated routes.
	publicAPI := humachi.New(r, humaConfig)
	handlers.NewHealthHandler(a.pool, a.supervisor, a.cache).Register(publicAPI)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	// Fetch routes, behind auth when configured.
	r.Group(func(pr chi.Router) {
		if cfg.AuthEnabled() {
			pr.Use(mw.Auth(mw.AuthConfig{
				Secret:        cfg.AuthSecret,
				Verifier:      auth.NewVerifier(cfg.AuthSecret, ""),
				RequiredScope: cfg.AuthScope,
				Logger:        logger,
			}))
			logger.Info("authentication middleware enabled", "required_scope", cfg.AuthScope)
		} else {
			logger.Warn("no authentication configured - service is unprotected")
		}
		protectedConfig := humaConfig
		// The public API already serves the OpenAPI document and docs.
		protectedConfig.OpenAPIPath = ""
		protectedConfig.DocsPath = ""
		protectedConfig.SchemasPath = ""
		protectedAPI := humachi.New(pr, protectedConfig)
		handlers.NewFetchHandler(a.service, a.metrics, logger).Register(protectedAPI)
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Long enough for a queued escalation plus the longest wait budget.
		WriteTimeout: cfg.PoolQueueTimeout + cfg.HTTPTimeout + 2*time.Minute + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutting down server...")
		case <-serverIdle.ShutdownChan():
			logger.Info("server idle, shutting down", "idle_timeout", cfg.ServerIdleTimeout)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	logger.Info("server stopped")
	return err
}
