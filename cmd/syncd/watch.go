package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/metrics/prom"
	"github.com/c0deZ3R0/facility-sync/storage/memory"
	"github.com/c0deZ3R0/facility-sync/storage/postgres"
	"github.com/c0deZ3R0/facility-sync/storage/redis"
	"github.com/c0deZ3R0/facility-sync/storage/sqlite"
	"github.com/c0deZ3R0/facility-sync/synckit"
	"github.com/c0deZ3R0/facility-sync/transport/sse"
)

type watchOptions struct {
	hubURL      string
	channel     string
	postgresDSN string
	cache       string
	sqlitePath  string
	redisAddr   string
	types       []string
	user        string
	metricsAddr string
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow entity changes and log updates and conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(o.types) == 0 {
				return errors.New("at least one --types entry is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, root.cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.hubURL, "hub", "http://localhost:8080", "hub base URL")
	f.StringVar(&o.channel, "channel", "sse", "push channel: sse or postgres")
	f.StringVar(&o.postgresDSN, "postgres-dsn", "", "connection string for the postgres channel")
	f.StringVar(&o.cache, "cache", "memory", "offline cache: memory, sqlite or redis")
	f.StringVar(&o.sqlitePath, "sqlite-path", "facility-sync.db", "sqlite cache file")
	f.StringVar(&o.redisAddr, "redis-addr", "localhost:6379", "redis cache address")
	f.StringSliceVar(&o.types, "types", nil, "entity types to follow")
	f.StringVar(&o.user, "user", "", "origin user id stamped on outbound events")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

type channel interface {
	synckit.PushChannel
	synckit.Fetcher
	io.Closer
}

func openChannel(ctx context.Context, o *watchOptions, logger *slog.Logger) (channel, error) {
	switch o.channel {
	case "sse":
		c := sse.NewClient(o.hubURL, sse.WithTypes(o.types...), sse.WithClientLogger(logger))
		c.Start(ctx)
		return c, nil
	case "postgres":
		cfg := postgres.DefaultConfig(o.postgresDSN)
		cfg.Logger = logger
		c, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", o.channel)
	}
}

func openCache(ctx context.Context, o *watchOptions, logger *slog.Logger) (synckit.OfflineCache, func() error, error) {
	noop := func() error { return nil }
	switch o.cache {
	case "memory":
		return memory.New(0), noop, nil
	case "sqlite":
		cfg := sqlite.DefaultConfig(o.sqlitePath)
		cfg.Logger = logger
		c, err := sqlite.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "redis":
		c, err := redis.New(ctx, redis.Config{Address: o.redisAddr, Prefix: "facility-sync:"})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache %q", o.cache)
	}
}

func watch(ctx context.Context, cfg synckit.Config, o *watchOptions) error {
	logger := logging.WithComponent(logging.Component("syncd")).Logger

	cache, closeCache, err := openCache(ctx, o, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	ch, err := openChannel(ctx, o, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	reg := prometheus.NewRegistry()
	m, err := synckit.NewManager(
		synckit.WithConfig(cfg),
		synckit.WithCache(cache),
		synckit.WithChannel(ch),
		synckit.WithFetcher(ch),
		synckit.WithMetrics(prom.New(reg)),
		synckit.WithLogger(logger),
		synckit.WithOriginUser(o.user),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, t := range o.types {
		if _, err := m.Register(t, "", watchHandlers(logger)); err != nil {
			return err
		}
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	if o.metricsAddr != "" {
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	logger.Info("watching", "types", o.types, "channel", o.channel, "cache", o.cache)
	<-ctx.Done()
	return nil
}

func watchHandlers(logger *slog.Logger) synckit.Handlers {
	return synckit.Handlers{
		OnUpdate: func(e synckit.SyncEvent) {
			logger.Info("entity updated", "entity", e.Key().String(), "operation", e.Operation, "origin", e.OriginUserID)
		},
		OnConflict: func(c synckit.Conflict) {
			logger.Warn("conflict awaiting resolution",
				"conflict_id", c.ID, "entity", c.Key().String(), "kind", c.Kind, "fields", synckit.ChangedFields(c))
		},
		OnResolved: func(c synckit.Conflict) {
			logger.Info("conflict resolved", "conflict_id", c.ID, "entity", c.Key().String())
		},
		OnError: func(err error) {
			logger.Error("sync error", "error", err)
		},
	}
}
