// Command syncd runs a sync hub or a watching client against one.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

type rootOptions struct {
	configPath string
	envFile    string
	cfg        synckit.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Facility sync hub and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("SYNC_CONFIG"), "YAML config file (env SYNC_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before configuration")

	root.AddCommand(newServeCmd(opts), newWatchCmd(opts))
	return root
}

// load reads the env file, then the config file, then initializes logging.
// Variables already set in the environment win over the env file.
func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	if o.configPath != "" {
		cfg, err := synckit.LoadConfigFile(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	} else {
		o.cfg = synckit.DefaultConfig()
		if err := o.cfg.ApplyEnv(); err != nil {
			return err
		}
		o.cfg.Logging = logging.GetConfigFromEnv()
	}
	o.cfg.Logging.Writer = os.Stderr
	logging.Init(o.cfg.Logging)
	return nil
}
