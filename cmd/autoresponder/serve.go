package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/auth"
	"github.com/signalix/autoresponder/internal/config"
	"github.com/signalix/autoresponder/internal/credstore"
	"github.com/signalix/autoresponder/internal/dispatch"
	"github.com/signalix/autoresponder/internal/flow"
	"github.com/signalix/autoresponder/internal/frequency"
	httphandler "github.com/signalix/autoresponder/internal/http"
	"github.com/signalix/autoresponder/internal/http/handlers"
	"github.com/signalix/autoresponder/internal/metrics"
	"github.com/signalix/autoresponder/internal/middleware"
	"github.com/signalix/autoresponder/internal/repo"
	"github.com/signalix/autoresponder/internal/session"
	"github.com/signalix/autoresponder/internal/transport"
	"github.com/signalix/autoresponder/internal/transport/bridge"
	"github.com/signalix/autoresponder/internal/transport/memtransport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore tenant sessions and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(v)
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := cfg.RequireJWTSecret(); err != nil {
				return err
			}
			return serve(cfg, log)
		},
	}

	cmd.Flags().String("port", "", "HTTP port (env PORT).")
	cmd.Flags().String("transport", "", "Chat transport: bridge or memory (env TRANSPORT).")
	cmd.Flags().String("bridge-url", "", "Chat gateway base URL (env BRIDGE_URL).")
	bindFlag(v, "port", cmd.Flags().Lookup("port"))
	bindFlag(v, "transport", cmd.Flags().Lookup("transport"))
	bindFlag(v, "bridge_url", cmd.Flags().Lookup("bridge-url"))

	return cmd
}

func serve(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	database, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	creds, err := credstore.Open(cfg.CredentialsDir, log)
	if err != nil {
		return err
	}
	defer creds.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tenantRepo := repo.NewTenantRepo(database)
	ruleRepo := repo.NewRuleRepo(database, log)
	interactionRepo := repo.NewInteractionRepo(database)

	gate := frequency.NewGate(interactionRepo, log)
	executor := flow.NewExecutor(flow.Config{
		Location:     cfg.Location,
		UploadDir:    cfg.UploadDir,
		UploadPrefix: cfg.UploadURLPrefix,
	}, log, m)

	newHandler := func(tenantID uuid.UUID) session.Handler {
		return dispatch.New(tenantID, ruleRepo, gate, executor, log, m)
	}

	registry := session.NewRegistry(newTransport(cfg, log), creds, tenantRepo, newHandler, session.Config{
		RetryDelay:         cfg.ConnectRetryDelay,
		RestoreConcurrency: cfg.RestoreConcurrency,
	}, log, m)

	restored, err := registry.RestoreAll(ctx)
	if err != nil {
		return err
	}
	log.Info("sessions_restored", zap.Int("count", restored))

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(cfg.AdminRateLimitRPS, cfg.AdminRateLimitBurst)
	sessionHandler := handlers.NewSessionHandler(registry, tenantRepo, log)
	router := httphandler.NewRouter(sessionHandler, jwtService, limiter, reg)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go pruneLimiter(pruneCtx, limiter)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server_starting", zap.String("port", cfg.Port), zap.String("transport", cfg.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutdown_signal", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		log.Error("server_failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server_forced_shutdown", zap.Error(err))
	}

	registry.StopAll()
	log.Info("server_exited")
	return runErr
}

func newTransport(cfg *config.Config, log *zap.Logger) transport.Client {
	if cfg.Transport == config.TransportMemory {
		return memtransport.NewClient()
	}
	// No client timeout: connect holds a long-lived event stream
	return bridge.New(cfg.BridgeURL, &http.Client{}, log)
}

func pruneLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}
