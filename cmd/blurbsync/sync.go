package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ZaguanLabs/blurbsync"
	"github.com/ZaguanLabs/blurbsync/guard"
	"github.com/ZaguanLabs/blurbsync/host"
)

func (a *app) syncCmd() *cobra.Command {
	var (
		workers     int
		metricsAddr string
		runFor      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the blurb cache in sync until interrupted",
		Long: `Downloads blurbs and flushes local writes on the polling interval.
With --workers the process becomes a preforking master: it re-executes
itself once per worker, and each worker runs its own poller. Pending
writes are flushed on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSync(cmd.Context(), workers, metricsAddr, runFor)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&workers, "workers", "w", 0, "Prefork this many worker processes")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default: config metrics_addr)")
	f.DurationVar(&runFor, "for", 0, "Stop after this long (default: run until interrupted)")
	return cmd
}

func (a *app) runSync(ctx context.Context, workers int, metricsAddr string, runFor time.Duration) error {
	var pf *host.Prefork
	var opts []blurbsync.Option
	if workers > 0 || os.Getenv(host.WorkerEnv) != "" {
		pf = host.NewPrefork(append([]host.PreforkOption{host.WithPreforkName("blurbsync")}, a.prefork...)...)
		opts = append(opts, blurbsync.WithGuardOptions(guard.WithForkHost(pf)))
	}

	client, err := a.client(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	client.Start()

	if pf != nil && pf.IsMaster() {
		return a.runMaster(ctx, client, pf, workers)
	}
	if pf != nil {
		if err := pf.ServeWorker(); err != nil {
			return err
		}
	}
	if a.ready != nil {
		a.ready(client)
	}

	if metricsAddr == "" {
		metricsAddr = client.Config.MetricsAddr
	}
	// Workers share the address; only the first one binds it.
	if metricsAddr != "" && (pf == nil || pf.WorkerID() == 1) {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				client.Logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		client.Logger.Info("serving metrics", "addr", metricsAddr)
	}

	var deadline <-chan time.Time
	if runFor > 0 {
		timer := time.NewTimer(runFor)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
	case <-a.exitHooks().Done():
	case <-deadline:
	}

	if err := client.Flush(context.Background()); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

// runMaster spawns the workers and stops them when the master's exit
// hooks run, so a SIGTERM to the master reaches every worker before the
// master exits.
func (a *app) runMaster(ctx context.Context, client *blurbsync.Client, pf *host.Prefork, workers int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	defer close(stopped)

	err := a.exitHooks().OnExit(func() {
		cancel()
		<-stopped
	})
	if err != nil {
		return fmt.Errorf("registering worker shutdown: %w", err)
	}

	client.Logger.Info("starting prefork master", "workers", workers)
	return pf.Spawn(ctx, workers)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
