package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

func newMonitorCmd(a *app) *cobra.Command {
	var reclaim bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run one deadline and SLA scan, for use from an external scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			// Expiring a signature fails its execution, which needs no gateway.
			rt, err := newRuntime(ctx, a.cfg, a.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			now := time.Now().UTC()
			out := map[string]any{}
			if reclaim {
				n, err := rt.dispatcher.ReclaimStale(ctx, now)
				if err != nil {
					return err
				}
				out["reclaimed"] = n
			}

			report, scanErr := rt.monitor.Scan(ctx, now)
			if report == nil {
				return scanErr
			}
			out["scan"] = report

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return scanErr
		},
	}
	cmd.Flags().BoolVar(&reclaim, "reclaim", false, "also return expired queue leases")
	return cmd
}
