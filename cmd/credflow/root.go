package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "credflow",
		Short: "Credentialing workflow orchestration engine",
		Long: `credflow runs versioned credentialing workflows for subjects (providers):
forms, notifications, conditional routing, and approval and signature steps
that park until an external decision arrives. Deadlines and SLA tiers are
watched by the monitor.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			slog.SetDefault(logger)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default $HOME/.credflow/settings.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("store-driver", "libsql", "store backend: libsql or postgres")
	flags.String("store-dsn", "", "store DSN (default file:$HOME/.credflow/credflow.db)")
	mustBind(a.v, root, "log_level", "log-level")
	mustBind(a.v, root, "store.driver", "store-driver")
	mustBind(a.v, root, "store.dsn", "store-dsn")

	root.AddCommand(
		newServeCmd(a),
		newMCPCmd(a),
		newPublishCmd(a),
		newMigrateCmd(a),
		newMonitorCmd(a),
		newVersionCmd(),
	)
	return root
}

// mustBind binds a persistent flag to a viper key. A flag only overrides
// file and env values when it was set on the command line.
func mustBind(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
