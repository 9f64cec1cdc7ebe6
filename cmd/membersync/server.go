package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/membersync/pkg/api"
	"github.com/cuemby/membersync/pkg/batch"
	"github.com/cuemby/membersync/pkg/config"
	"github.com/cuemby/membersync/pkg/dispatch"
	"github.com/cuemby/membersync/pkg/events"
	"github.com/cuemby/membersync/pkg/health"
	"github.com/cuemby/membersync/pkg/integrations"
	"github.com/cuemby/membersync/pkg/integrations/authentik"
	"github.com/cuemby/membersync/pkg/integrations/memory"
	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/cuemby/membersync/pkg/queue"
	"github.com/cuemby/membersync/pkg/reconciler"
	"github.com/cuemby/membersync/pkg/service"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

// engine is everything a server process runs, wired from one config
type engine struct {
	cfg       *config.Config
	store     storage.Store
	broker    *events.Broker
	queue     *queue.Queue
	service   *service.Service
	collector *metrics.Collector
	monitor   *health.Monitor
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return storage.NewPostgresStore(ctx, storage.PostgresConfig{
			URL:            cfg.PostgresURL,
			MaxConnections: cfg.MaxConnections,
			MaxIdle:        cfg.MaxIdle,
			ConnLifetime:   cfg.ConnLifetime,
		})
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return storage.NewBoltStore(cfg.DataDir)
	}
}

func newIdentityProvider(cfg config.IdentityConfig) (integrations.IdentityProvider, error) {
	switch cfg.Provider {
	case config.ProviderAuthentik:
		return authentik.NewClient(authentik.Config{
			BaseURL:           cfg.BaseURL,
			Token:             cfg.Token,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	default:
		return memory.New(), nil
	}
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	metrics.RegisterComponent("storage", true, "")

	provider, err := newIdentityProvider(cfg.Identity)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}
	instrumented := integrations.NewInstrumented(provider)

	probeCfg := health.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
		Retries:  cfg.Health.Retries,
	}
	monitor := health.NewMonitor()
	monitor.Add("database", health.NewPingChecker(store), probeCfg)
	if ak, ok := provider.(*authentik.Client); ok {
		monitor.Add("identity", health.NewHTTPChecker(ak.HealthURL()), probeCfg)
	}

	broker := events.NewBroker()
	batches := batch.NewManager(store, broker)

	registry := dispatch.NewRegistry()
	if err := batch.NewHandler(batches, instrumented).Register(registry); err != nil {
		store.Close()
		return nil, err
	}
	if err := dispatch.RegisterIdentityHandlers(registry, instrumented); err != nil {
		store.Close()
		return nil, err
	}

	q := queue.New(store, registry, broker, queue.Config{
		PollInterval:   cfg.Worker.PollInterval,
		BatchSize:      cfg.Worker.BatchSize,
		MaxRetries:     cfg.Worker.MaxRetries,
		HandlerTimeout: cfg.Worker.HandlerTimeout,
	})
	rec := reconciler.New(cfg.Catalog, integrations.StaticRoleConfig(cfg.Roles), batches, q)

	return &engine{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		queue:     q,
		service:   service.New(q, batches, rec),
		collector: metrics.NewCollector(store, cfg.Metrics.CollectInterval),
		monitor:   monitor,
	}, nil
}

func (e *engine) apiServer(readOnly bool) *api.Server {
	return api.NewServer(e.service, e.broker, api.Config{
		Addr:           e.cfg.API.Addr,
		ReadTimeout:    e.cfg.API.ReadTimeout,
		WriteTimeout:   e.cfg.API.WriteTimeout,
		RequestTimeout: e.cfg.API.RequestTimeout,
		ReadOnly:       readOnly,
	})
}

func (e *engine) close() {
	e.monitor.Stop()
	e.collector.Stop()
	e.broker.Stop()
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing storage: %v\n", err)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM or a fatal error from errCh
func waitForShutdown(errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		return nil
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		return err
	}
}

func serveHTTP(errCh chan<- error, name string, start func() error) {
	go func() {
		if err := start(); err != nil {
			errCh <- fmt.Errorf("%s error: %w", name, err)
		}
	}()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker loop and the HTTP API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if readOnly, _ := cmd.Flags().GetBool("read-only"); readOnly {
			cfg.API.ReadOnly = true
		}
		return runServer(cmd.Context(), cfg, true, true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker loop",
	Long: `Run only the worker loop. Health and metrics are served on
--health-addr so the process can still be probed and scraped.

Run a single worker per bolt data directory. With the postgres driver any
number of workers may share the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		cfg.API.Addr = healthAddr
		return runServer(cmd.Context(), cfg, true, false)
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run only the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.API.Addr = addr
		}
		if readOnly, _ := cmd.Flags().GetBool("read-only"); readOnly {
			cfg.API.ReadOnly = true
		}
		return runServer(cmd.Context(), cfg, false, true)
	},
}

func init() {
	serveCmd.Flags().Bool("read-only", false, "Reject state-changing API requests")
	workerCmd.Flags().String("health-addr", ":9090", "Address for /health, /ready and /metrics")
	apiCmd.Flags().String("addr", "", "Listen address (overrides api.addr)")
	apiCmd.Flags().Bool("read-only", false, "Reject state-changing API requests")
}

func runServer(ctx context.Context, cfg *config.Config, runWorker, runAPI bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Println("Starting Membersync...")
	fmt.Printf("  Storage: %s\n", cfg.Storage.Driver)
	fmt.Printf("  Identity Provider: %s\n", cfg.Identity.Provider)
	if runAPI {
		fmt.Printf("  API Address: %s\n", cfg.API.Addr)
	}
	fmt.Println()

	metrics.SetVersion(Version)
	critical := []string{"storage"}
	if runWorker {
		critical = append(critical, "worker")
		if cfg.Identity.Provider == config.ProviderAuthentik {
			critical = append(critical, "identity")
		}
	}
	if runAPI {
		critical = append(critical, "api")
	}
	metrics.SetCriticalComponents(critical...)

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer eng.close()
	fmt.Println("✓ Storage opened")

	eng.broker.Start()
	eng.collector.Start()
	eng.monitor.Start()
	fmt.Println("✓ Metrics collector and health probes started")

	errCh := make(chan error, 1)

	var apiServer *api.Server
	var healthServer *http.Server
	if runAPI {
		apiServer = eng.apiServer(cfg.API.ReadOnly)
		serveHTTP(errCh, "API server", apiServer.Start)
		fmt.Println("✓ API server started")
	} else if cfg.API.Addr != "" {
		healthServer = newHealthServer(cfg.API.Addr)
		serveHTTP(errCh, "health server", func() error {
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		fmt.Println("✓ Health server started")
	}

	if runWorker {
		eng.queue.Start()
		fmt.Println("✓ Worker started")
	}

	fmt.Println()
	fmt.Println("Membersync is running. Press Ctrl+C to stop.")

	runErr := waitForShutdown(errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping API server: %v\n", err)
		}
	}
	if healthServer != nil {
		_ = healthServer.Shutdown(shutdownCtx)
	}
	if runWorker {
		eng.queue.Stop()
	}

	fmt.Println("✓ Shutdown complete")
	return runErr
}

func newHealthServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

var backupCmd = &cobra.Command{
	Use:   "backup --out FILE",
	Short: "Write a consistent copy of the bolt database",
	Long: `Write a consistent copy of the bolt database.

Bolt holds an exclusive lock, so stop the server using the data directory
first. The copy can replace membersync.db in a data directory to restore
it. Only the bolt driver is supported; back up postgres with pg_dump.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if cfg.Storage.Driver != config.DriverBolt {
			return fmt.Errorf("backup requires the %s driver, configured driver is %s", config.DriverBolt, cfg.Storage.Driver)
		}

		store, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create backup file: %w", err)
		}
		n, err := store.Backup(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return err
		}

		fmt.Printf("✓ Backed up %d bytes to %s\n", n, out)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringP("out", "o", "", "Backup file to create (required)")
	_ = backupCmd.MarkFlagRequired("out")
}
