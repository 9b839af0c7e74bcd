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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-blob/pkg/simpleblob/config"
	"github.com/tendant/simple-blob/pkg/simpleblob/cooperation"
	"github.com/tendant/simple-blob/pkg/simpleblob/metrics"
	"github.com/tendant/simple-blob/pkg/simpleblob/recalc"
	"golang.org/x/sync/errgroup"
)

func NewServeCommand(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics flusher, scheduled jobs and the ops HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.settings.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from SIMPLEBLOB_LISTEN)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := a.runtime(ctx, config.WithCooperationMetrics(cooperation.NewMetrics(registry)))
	if err != nil {
		return err
	}
	defer rt.Close()
	registry.MustRegister(metrics.NewCollector(rt.Metrics))

	httpServer := &http.Server{
		Addr:              a.settings.Listen,
		Handler:           NewHTTPServer(rt, registry, a.logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.Metrics.Start(ctx)
		return nil
	})

	g.Go(func() error {
		// Stores without a persisted snapshot start from zero; rebuild them once.
		for _, name := range rt.Unloaded {
			if _, err := rt.Recalculate(ctx, name); err != nil {
				a.logger.Error("Initial metrics recalculation failed", "store", name, "err", err)
			}
		}
		every(ctx, rt.Config.RecalculationInterval, func(ctx context.Context) {
			for _, name := range rt.StoreNames() {
				_, err := rt.Recalculate(ctx, name)
				switch {
				case errors.Is(err, recalc.ErrAlreadyRunning):
					a.logger.Info("Skipping scheduled metrics recalculation, a run is in progress", "store", name)
				case err != nil:
					a.logger.Error("Scheduled metrics recalculation failed", "store", name, "err", err)
				}
			}
		})
		return nil
	})

	g.Go(func() error {
		every(ctx, rt.Config.QuotaCheckInterval, func(ctx context.Context) {
			rt.CheckQuotas()
		})
		return nil
	})

	g.Go(func() error {
		a.logger.Info("Ops API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// every runs fn each interval until ctx ends. A non-positive interval disables it.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
