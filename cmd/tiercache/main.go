// Command tiercache runs a multi-tier cache behind an admin HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/tiercache/cache"
	"github.com/wolfeidau/tiercache/memory"
	"github.com/wolfeidau/tiercache/remote"
	"github.com/wolfeidau/tiercache/response"
	"github.com/wolfeidau/tiercache/server"
	"github.com/wolfeidau/tiercache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"TIERCACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"TIERCACHE_LOG_FORMAT"`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Serve   ServeCmd         `cmd:"" help:"Run the cache and its admin API."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

// ServeCmd runs the server.
type ServeCmd struct {
	Address  string `help:"Address to listen on." default:":8080" env:"TIERCACHE_ADDRESS"`
	MaxConns int    `help:"Maximum concurrent connections (0 for unlimited)." default:"0"`

	MemoryMaxSize int           `help:"Maximum entries held in memory." default:"1000"`
	SweepInterval time.Duration `help:"How often expired memory entries are swept." default:"5m"`

	Remote         string        `help:"Remote tier backend." enum:"none,bolt,nats" default:"none" env:"TIERCACHE_REMOTE"`
	BoltPath       string        `help:"Path of the bbolt file for the bolt backend." default:"./tiercache.db" type:"path"`
	NATSURL        string        `name:"nats-url" help:"NATS server URL for the nats backend." default:"nats://127.0.0.1:4222" env:"NATS_URL"`
	NATSBucket     string        `name:"nats-bucket" help:"JetStream KV bucket for the nats backend." default:"tiercache"`
	NATSBucketTTL  time.Duration `name:"nats-bucket-ttl" help:"Maximum age of any value in the KV bucket (0 keeps values)." default:"0"`
	RemoteTimeout  time.Duration `help:"Timeout for each remote call." default:"2s"`
	HealthInterval time.Duration `help:"How often the remote backend is pinged." default:"10s"`
	PruneInterval  time.Duration `help:"How often stale tag members are pruned from the remote backend." default:"5m"`

	ResponseMaxAge     time.Duration `help:"Default lifetime of cached responses." default:"5m"`
	ResponseMaxEntries int           `help:"Maximum cached responses (0 for unlimited)." default:"0"`

	WarmConcurrency int  `help:"Concurrent fetchers used when warming." default:"8"`
	SingleFlight    bool `help:"Share one computation among concurrent misses on a memoized key."`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tiercache"),
		kong.Description("A multi-tier cache with memory, remote and response tiers."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.Globals)
	kctx.FatalIfErrorf(err)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}

func newLogger(g Globals) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// Run starts the cache and serves until SIGINT or SIGTERM.
func (c *ServeCmd) Run(_ *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tiercache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	mem := memory.New(
		memory.WithMaxSize(c.MemoryMaxSize),
		memory.WithSweepInterval(c.SweepInterval),
		memory.WithLogger(logger.With("component", "memory")),
	)

	rem, err := c.openRemote(ctx, logger)
	if err != nil {
		return err
	}

	resp := response.New(
		response.WithDefaultMaxAge(c.ResponseMaxAge),
		response.WithMaxEntries(c.ResponseMaxEntries),
		response.WithLogger(logger.With("component", "response")),
	)

	opts := []cache.Option{
		cache.WithLogger(logger.With("component", "cache")),
		cache.WithWarmConcurrency(c.WarmConcurrency),
	}
	if c.SingleFlight {
		opts = append(opts, cache.WithSingleFlight())
	}
	mgr, err := cache.New[json.RawMessage](mem, rem, resp, opts...)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("closing cache failed", "error", err)
		}
	}()
	mgr.Start(ctx)

	srv, err := server.New(mgr, server.Config{
		Address:  c.Address,
		MaxConns: c.MaxConns,
		Logger:   logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("tiercache started",
		"address", srv.Address(),
		"remote", c.Remote,
		"memory_max_size", c.MemoryMaxSize,
		"prometheus", c.Prometheus,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (c *ServeCmd) openRemote(ctx context.Context, logger *slog.Logger) (*remote.Tier, error) {
	var (
		store remote.Store
		err   error
	)
	switch c.Remote {
	case "none", "":
		return nil, nil
	case "bolt":
		store, err = remote.OpenBolt(c.BoltPath, remote.WithBoltLogger(logger.With("component", "bolt")))
	case "nats":
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err = remote.DialNATS(dctx, c.NATSURL, c.NATSBucket,
			remote.WithBucketTTL(c.NATSBucketTTL),
			remote.WithNATSLogger(logger.With("component", "nats")),
		)
	default:
		return nil, errors.New("unknown remote backend: " + c.Remote)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s remote store: %w", c.Remote, err)
	}

	return remote.New(remote.NewInstrumentedStore(store, c.Remote),
		remote.WithTimeout(c.RemoteTimeout),
		remote.WithHealthInterval(c.HealthInterval),
		remote.WithPruneInterval(c.PruneInterval),
		remote.WithLogger(logger.With("component", "remote")),
	), nil
}
