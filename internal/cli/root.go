package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandem-sync/tandem"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	Config   string
	Verbose  bool
}

// NewRootCommand creates the root command for the tandem CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tandem",
		Short: "Offline-first replicated document core",
		Long: `Tandem keeps an event-sourced business document on each device and
replicates it between paired devices over the local network or via
bundle files, without a central server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "tandem.db", "path to the local database")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPairCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewBundleCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// logger builds the process logger honoring the verbose flag.
func (o *RootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the effective configuration: the config file when
// given, defaults otherwise, with the database flag always winning.
func (o *RootOptions) loadConfig() (tandem.Config, error) {
	cfg := tandem.DefaultConfig()
	if o.Config != "" {
		loaded, err := tandem.LoadConfig(o.Config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if o.Database != "" {
		cfg.Path = o.Database
	}
	return cfg, cfg.Validate()
}

// open opens the core with the effective configuration.
func (o *RootOptions) open() (*tandem.Core, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return tandem.Open(cfg, o.logger())
}
