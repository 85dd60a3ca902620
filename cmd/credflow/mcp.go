package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/credflow/pkg/mcp"
)

func newMCPCmd(a *app) *cobra.Command {
	var withRunner bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long: `Serve the credflow MCP tools over stdin/stdout. Logs go to stderr.
With --runner (the default) the queue is drained in-process, so enqueued
subjects and resumed executions make progress without a separate serve.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, a.cfg, a.logger, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					a.logger.Warn("close runtime", slog.String("error", err.Error()))
				}
			}()

			srv := mcp.NewCredflowServer(mcp.ServerDeps{
				Store:      rt.store,
				Engine:     rt.engine,
				Dispatcher: rt.dispatcher,
				Publisher:  rt.publisher,
				Hub:        rt.hub,
				Logger:     a.logger,
			})

			// stdin closing ends the session, and with it the runner.
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				defer cancel()
				return srv.Serve(gctx)
			})
			if withRunner {
				g.Go(func() error { return rt.runner.Run(gctx) })
			}
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withRunner, "runner", true, "run the queue runner in-process")
	return cmd
}
