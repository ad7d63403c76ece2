package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tallyhq/tally-sync-server/internal/api"
	v0 "github.com/tallyhq/tally-sync-server/internal/api/v0"
	"github.com/tallyhq/tally-sync-server/internal/config"
	"github.com/tallyhq/tally-sync-server/internal/db"
	"github.com/tallyhq/tally-sync-server/internal/domain"
	"github.com/tallyhq/tally-sync-server/internal/lock"
	"github.com/tallyhq/tally-sync-server/internal/mapper"
	"github.com/tallyhq/tally-sync-server/internal/render"
	"github.com/tallyhq/tally-sync-server/internal/store"
	syncpkg "github.com/tallyhq/tally-sync-server/internal/sync"
	"github.com/tallyhq/tally-sync-server/internal/sync/coordinator"
	"github.com/tallyhq/tally-sync-server/internal/telemetry"
	"github.com/tallyhq/tally-sync-server/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Start the sync server.

The server requires a configuration file (--config) that specifies:
- Database connection parameters
- Issue tracker endpoint and credentials
- Scheduler interval and lock settings

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 30 * time.Second // Manual sync triggers run a full pipeline pass
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 35 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.Server.GetAddress()
	}
	slog.Info("Starting sync server", "address", address, "config", configPath)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	queryStore := store.NewQueryStore(pool)
	templateStore := store.NewTemplateStore(pool)
	projectStore := store.NewProjectStore(pool)
	runStore := store.NewSyncRunStore(pool)

	searcher, err := buildSearcher(cfg.Tracker)
	if err != nil {
		return err
	}

	mapperCfg, err := buildMapperConfig(cfg.Mapping)
	if err != nil {
		return err
	}

	meterProvider, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownMeterProvider(meterProvider)

	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	engine := render.NewEngine()
	projectMapper := mapper.New(projectStore, mapperCfg)
	runner := syncpkg.NewRunner(queryStore, templateStore, runStore, searcher, engine, projectMapper, syncMetrics)

	coordOpts, err := buildCoordinatorOptions(cfg.Scheduler)
	if err != nil {
		return err
	}
	coord := coordinator.New(runner, coordinator.PgLocker(lock.NewService(pool)), coordOpts)

	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	go func() {
		if err := coord.Start(syncCtx); err != nil {
			slog.Error("Sync coordinator failed", "error", err)
		}
	}()

	metricsMiddleware, err := telemetry.MetricsMiddleware(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics middleware: %w", err)
	}

	routes := v0.NewRoutes(coord, runStore, queryStore, templateStore, engine)
	router := api.NewServer(routes,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
			metricsMiddleware,
		),
		api.WithReadinessCheck(pool.Ping),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server")

	if err := coord.Stop(); err != nil {
		slog.Error("Failed to stop sync coordinator", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// buildSearcher constructs the tracker client with its retry decorator from
// config.
func buildSearcher(cfg *config.TrackerConfig) (tracker.Searcher, error) {
	token, err := cfg.GetToken()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracker token: %w", err)
	}

	connectTimeout, err := config.ParseDuration(cfg.ConnectTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker connectTimeout: %w", err)
	}
	requestTimeout, err := config.ParseDuration(cfg.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker requestTimeout: %w", err)
	}

	clientCfg := tracker.Config{
		BaseURL:         cfg.BaseURL,
		APIVersion:      cfg.APIVersion,
		Token:           token,
		ConnectTimeout:  connectTimeout,
		RequestTimeout:  requestTimeout,
		MaxConns:        cfg.MaxConns,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
		PageSize:        cfg.PageSize,
	}

	policy := tracker.DefaultRetryPolicy()
	if r := cfg.Retry; r != nil {
		if r.MaxAttempts > 0 {
			policy.MaxAttempts = r.MaxAttempts
		}
		if policy.InitialInterval, err = config.ParseDuration(r.InitialInterval, policy.InitialInterval); err != nil {
			return nil, fmt.Errorf("invalid retry initialInterval: %w", err)
		}
		if policy.MaxInterval, err = config.ParseDuration(r.MaxInterval, policy.MaxInterval); err != nil {
			return nil, fmt.Errorf("invalid retry maxInterval: %w", err)
		}
		if r.Multiplier > 0 {
			policy.Multiplier = r.Multiplier
		}
		policy.MaxRateLimitWaits = r.MaxRateLimitWaits
		if clientCfg.RateLimitDefaultWait, err = config.ParseDuration(r.RateLimitDefaultWait, 0); err != nil {
			return nil, fmt.Errorf("invalid retry rateLimitDefaultWait: %w", err)
		}
	}

	return tracker.WithRetry(tracker.NewClient(clientCfg), policy), nil
}

// buildMapperConfig converts the YAML mapping section into mapper settings.
func buildMapperConfig(cfg *config.MappingConfig) (mapper.Config, error) {
	out := mapper.Config{}
	if cfg == nil {
		return out, nil
	}

	if cfg.DefaultStatus != "" {
		status := domain.ProjectStatus(cfg.DefaultStatus)
		if !status.Valid() {
			return out, fmt.Errorf("invalid mapping defaultStatus: %q", cfg.DefaultStatus)
		}
		out.DefaultStatus = status
	}

	if len(cfg.StatusAliases) > 0 {
		out.StatusAliases = make(map[string]domain.ProjectStatus, len(cfg.StatusAliases))
		for alias, target := range cfg.StatusAliases {
			status := domain.ProjectStatus(target)
			if !status.Valid() {
				return out, fmt.Errorf("invalid mapping statusAlias %q: %q", alias, target)
			}
			out.StatusAliases[alias] = status
		}
	}

	out.DateFormats = cfg.DateFormats
	return out, nil
}

// buildCoordinatorOptions converts the YAML scheduler section into
// coordinator options. Zero values fall back to the coordinator defaults.
func buildCoordinatorOptions(cfg *config.SchedulerConfig) (coordinator.Options, error) {
	opts := coordinator.Options{}
	if cfg == nil {
		return opts, nil
	}

	var err error
	if opts.Interval, err = config.ParseDuration(cfg.Interval, 0); err != nil {
		return opts, fmt.Errorf("invalid scheduler interval: %w", err)
	}
	if opts.Jitter, err = config.ParseDuration(cfg.Jitter, 0); err != nil {
		return opts, fmt.Errorf("invalid scheduler jitter: %w", err)
	}
	if opts.MaxHold, err = config.ParseDuration(cfg.MaxHold, 0); err != nil {
		return opts, fmt.Errorf("invalid scheduler maxHold: %w", err)
	}
	if opts.MinHold, err = config.ParseDuration(cfg.MinHold, 0); err != nil {
		return opts, fmt.Errorf("invalid scheduler minHold: %w", err)
	}
	opts.LockName = cfg.LockName
	return opts, nil
}

func shutdownMeterProvider(provider any) {
	type shutdowner interface {
		Shutdown(ctx context.Context) error
	}
	sd, ok := provider.(shutdowner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sd.Shutdown(ctx); err != nil {
		slog.Error("Failed to shut down meter provider", "error", err)
	}
}
