package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/progress-events/internal/config"
	"github.com/rbaliyan/progress-events/internal/logging"
)

// app carries state shared by the subcommands.
type app struct {
	loader  *config.Loader
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{loader: config.NewLoader()}

	root := &cobra.Command{
		Use:   "progressd",
		Short: "Progress event ingestion service",
		Long: `progressd accepts learner progress events over HTTP, buffers them in
memory, persists them to MongoDB and republishes them on the event bus.

Settings come from defaults, an optional config file and PROGRESS_*
environment variables (queue.batch_size is PROGRESS_QUEUE_BATCH_SIZE).`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("addr", "", "HTTP listen address (overrides http.addr)")

	v := a.loader.Viper()
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("http.addr", flags.Lookup("addr"))

	root.AddCommand(newServeCmd(a), newIndexesCmd(a), newVersionCmd())
	return root
}

// init loads the configuration and builds the logger.
func (a *app) init() error {
	if a.cfgFile != "" {
		a.loader.WithConfigPath(a.cfgFile)
	}
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(a.logger)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "progressd %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
