// Command gridd serves grid records over the channel websocket protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/luxgrid/internal/app/records"
	"github.com/coachpo/luxgrid/internal/app/records/memory"
	"github.com/coachpo/luxgrid/internal/infra/config"
	"github.com/coachpo/luxgrid/internal/infra/persistence"
	"github.com/coachpo/luxgrid/internal/infra/persistence/migrations"
	"github.com/coachpo/luxgrid/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/luxgrid/internal/infra/server/http"
	"github.com/coachpo/luxgrid/internal/infra/server/ws"
	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
)

const (
	defaultConfigPath        = "config/app.yaml"
	griddLoggerPrefix        = "gridd "
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	migrationTimeout         = time.Minute
	demoRecordCount          = 120
)

func main() {
	cfgPathFlag, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGriddLogger()
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, store=%s, channel=%s",
		appCfg.Environment, appCfg.Records.Store, appCfg.Records.Channel)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	meter := telemetryProvider.Meter("luxgrid.gridd")

	if appCfg.Database.RunMigrations {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrationTimeout)
		err := migrations.Apply(migrateCtx, appCfg.Database.DSN, appCfg.Database.MigrationsPath, logger)
		migrateCancel()
		if err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	store, closeStore, err := openStore(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise record store: %v", err)
	}

	service := records.NewService(store, appCfg.Records.Limits())
	wsServer := ws.NewServer(ws.Options{
		Heartbeat:      appCfg.Server.Heartbeat,
		WriteTimeout:   appCfg.Server.WriteTimeout,
		ReadLimit:      appCfg.Server.ReadLimitBytes,
		OriginPatterns: appCfg.Server.OriginPatterns,
		Metrics:        telemetry.NewTransportMetrics(meter),
	})
	if err := service.Attach(wsServer, appCfg.Records.Channel); err != nil {
		logger.Fatalf("attach records service: %v", err)
	}

	var lifecycle conc.WaitGroup
	if appCfg.Records.SeedDemo && appCfg.Records.DemoInterval > 0 {
		lifecycle.Go(func() {
			runDemoTicker(ctx, logger, service, appCfg.Records.DemoInterval, demoRecordCount)
		})
	}

	httpServer := buildHTTPServer(appCfg, wsServer, service)
	lifecycle.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	})
	logger.Printf("grid server listening on %s%s", httpServer.Addr, appCfg.Server.WSPath)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	performGracefulShutdown(logger, gracefulShutdownConfig{
		timeout:    appCfg.Server.ShutdownTimeout,
		httpServer: httpServer,
		wsServer:   wsServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		closeStore: closeStore,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Emit debug log lines")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGriddLogger() *log.Logger {
	return log.New(os.Stdout, griddLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.TelemetryConfig()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// openStore builds the configured record store and, when enabled, seeds it.
// The returned close func releases any pool the store holds.
func openStore(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (records.Store, func(), error) {
	columns := appCfg.Records.Columns
	switch appCfg.Records.Store {
	case config.StorePostgres:
		db, err := persistence.Open(ctx, appCfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.ObservePoolMetrics(db.Pool(), "records", nil); err != nil {
			logger.Printf("register pool metrics: %v", err)
		}
		store := postgres.New(db.Pool()).Records(columns)
		if appCfg.Records.SeedDemo {
			for _, record := range demoRecords(demoRecordCount) {
				if err := store.Upsert(ctx, record); err != nil {
					db.Close()
					return nil, nil, fmt.Errorf("seed demo records: %w", err)
				}
			}
			logger.Printf("demo records seeded: %d", demoRecordCount)
		}
		return store, db.Close, nil
	default:
		var seed []wire.Record
		if appCfg.Records.SeedDemo {
			seed = demoRecords(demoRecordCount)
		}
		store, err := memory.New(columns, seed...)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("memory store ready: records=%d", store.Len())
		return store, func() {}, nil
	}
}

func buildHTTPServer(cfg config.AppConfig, wsServer *ws.Server, service httpserver.RecordService) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WSPath, wsServer)
	mux.Handle("/", httpserver.NewHandler(cfg.Environment, service, wsServer.Sessions))
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	timeout    time.Duration
	httpServer *http.Server
	wsServer   *ws.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	closeStore func()
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.wsServer != nil {
		shutdownStep("closing websocket sessions", cfg.timeout, func(context.Context) error {
			return cfg.wsServer.Close()
		})
	}
	if cfg.httpServer != nil {
		shutdownStep("stopping http server", cfg.timeout, func(stepCtx context.Context) error {
			return cfg.httpServer.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.closeStore != nil {
		logger.Print("shutdown: closing record store")
		cfg.closeStore()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
