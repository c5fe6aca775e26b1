package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/config"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries what every subcommand needs after the root pre-run.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "reconciler",
		Short: "Mirror OpenStack VM lifecycle events into the Aquilon CMDB",
		Long: `reconciler consumes nova notifications from RabbitMQ and keeps the
Aquilon CMDB in step: created VMs get a machine, interface and host record,
deleted VMs have theirs removed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return a.load(path)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(a),
		newDeadLetterCmd(a),
		newVMCmd(a),
		newHostCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load(path string) error {
	if path != "" {
		a.v.SetConfigFile(path)
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the reconciler version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reconciler version %s\n", version)
		},
	}
}
