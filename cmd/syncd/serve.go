package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/storage/memory"
	"github.com/c0deZ3R0/facility-sync/transport/sse"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr      string
		heartbeat time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr, heartbeat)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 15*time.Second, "stream keep-alive interval")
	return cmd
}

func serve(ctx context.Context, addr string, heartbeat time.Duration) error {
	logger := logging.WithComponent(logging.Component("syncd")).Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := sse.NewHub(memory.New(0), sse.WithHeartbeat(heartbeat), sse.WithHubLogger(logger))
	defer hub.Close()

	routes := hub.Routes()
	routes.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Streams never finish on their own; closing the hub ends them so
	// Shutdown can drain.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("hub shutting down")
	return srv.Shutdown(shutdownCtx)
}
