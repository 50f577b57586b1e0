// Command strategy-cache is a caching proxy that resolves requests through
// per-category caching strategies with quota management and offline replay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/strategy-cache/server"
	"github.com/wolfeidau/strategy-cache/store/gc"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

var version = "dev"

// CLI holds the command line flags. Every flag can also be set from the
// environment or a .env file in the working directory.
type CLI struct {
	Address       string            `help:"Address to listen on." default:":8080" env:"ADDRESS"`
	Storage       string            `help:"Storage directory path." default:"./cache" type:"path" env:"STORAGE_PATH"`
	QuotaBytes    int64             `help:"Storage quota in bytes (0 reports the quota as unsupported)." default:"1073741824" env:"QUOTA_BYTES"`
	HotCacheBytes int64             `help:"In-memory content cache size in bytes (0 to disable)." default:"67108864" env:"HOT_CACHE_BYTES"`
	AllowedHosts  []string          `help:"Hosts that may be fetched and cached (empty allows all)." env:"ALLOWED_HOSTS"`
	Token         map[string]string `help:"Bearer token to principal id mapping (token=principal)." env:"TOKENS"`
	UserAgent     string            `help:"User-Agent sent on network fetches." env:"USER_AGENT"`
	MaxBodyBytes  int64             `help:"Maximum response body size in bytes." default:"33554432" env:"MAX_BODY_BYTES"`

	QuotaCheckInterval time.Duration `help:"How often storage usage is checked." default:"1m" env:"QUOTA_CHECK_INTERVAL"`
	SnapshotInterval   time.Duration `help:"How often performance snapshots are taken." default:"1m" env:"SNAPSHOT_INTERVAL"`
	ReaperInterval     time.Duration `help:"How often expired metadata is reaped." default:"5m" env:"REAPER_INTERVAL"`
	ReconcileInterval  time.Duration `help:"How often content and metadata are reconciled." default:"1h" env:"RECONCILE_INTERVAL"`
	ReconcileDelay     time.Duration `help:"Delay before the first reconciliation." default:"5m" env:"RECONCILE_DELAY"`

	OfflineEndpoint string        `help:"Base URL queued offline actions are delivered to." env:"OFFLINE_ENDPOINT"`
	OfflineToken    string        `help:"Bearer token sent with offline deliveries." env:"OFFLINE_TOKEN"`
	OfflineInterval time.Duration `help:"How often pending offline actions are replayed." default:"30s" env:"OFFLINE_INTERVAL"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (empty disables)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"PROMETHEUS"`

	LogLevel  string           `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat string           `help:"Log format." default:"text" enum:"text,json" env:"LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	// a missing .env file is fine, the process environment still applies
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("strategy-cache"),
		kong.Description("Strategy-driven HTTP cache with quota management and offline replay."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(cli.Run())
}

func (c *CLI) logger() *slog.Logger {
	var level slog.Level
	// enum validation has already rejected anything else
	_ = level.UnmarshalText([]byte(c.LogLevel))

	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
}

// Run starts the server and blocks until it stops or a signal arrives.
func (c *CLI) Run() error {
	logger := c.logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics must be initialized before the server builds its instruments.
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "strategy-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics failed", "error", err)
		}
	}()

	reconcile := gc.DefaultConfig()
	reconcile.Interval = c.ReconcileInterval
	reconcile.StartupDelay = c.ReconcileDelay

	srv, err := server.New(server.Config{
		Address:            c.Address,
		StoragePath:        c.Storage,
		QuotaBytes:         c.QuotaBytes,
		HotCacheBytes:      c.HotCacheBytes,
		AllowedHosts:       c.AllowedHosts,
		Tokens:             c.Token,
		UserAgent:          c.UserAgent,
		MaxBodyBytes:       c.MaxBodyBytes,
		QuotaCheckInterval: c.QuotaCheckInterval,
		SnapshotInterval:   c.SnapshotInterval,
		ReaperInterval:     c.ReaperInterval,
		Reconcile:          reconcile,
		OfflineEndpoint:    c.OfflineEndpoint,
		OfflineToken:       c.OfflineToken,
		OfflineInterval:    c.OfflineInterval,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"storage", c.Storage,
		"fetch_url", fmt.Sprintf("http://localhost%s/fetch?url=", srv.Address()),
		"auth", len(c.Token) > 0,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
