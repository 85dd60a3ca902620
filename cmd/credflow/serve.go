package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/credflow/internal/api"
	"github.com/rendis/credflow/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the queue runner and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().String("listen-addr", ":4200", "HTTP listen address")
	cmd.Flags().Bool("scheduler", false, "run the monitor and lease sweep in-process")
	mustBindLocal(a, cmd, "listen_addr", "listen-addr")
	mustBindLocal(a, cmd, "scheduler.enabled", "scheduler")
	return cmd
}

func mustBindLocal(a *app, cmd *cobra.Command, key, flag string) {
	if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// runServe runs every long-lived component under one errgroup. The first
// failure, or a signal, stops them all.
func runServe(ctx context.Context, a *app) error {
	rt, err := newRuntime(ctx, a.cfg, a.logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			a.logger.Warn("close runtime", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr: a.cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Store:      rt.store,
			Engine:     rt.engine,
			Dispatcher: rt.dispatcher,
			Publisher:  rt.publisher,
			Monitor:    rt.monitor,
			Hub:        rt.hub,
			Logger:     a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return rt.runner.Run(gctx)
	})

	if a.cfg.Scheduler.Enabled {
		sched, err := scheduler.NewScheduler([]scheduler.Job{
			scheduler.MonitorJob(a.cfg.Scheduler.MonitorCron, rt.monitor, a.logger),
			scheduler.SweepJob(a.cfg.Scheduler.SweepCron, rt.dispatcher, a.logger),
		}, a.cfg.Scheduler.Tick, a.logger)
		if err != nil {
			return err
		}
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return sched.Stop()
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("credflow stopped")
	return nil
}
