// Package cli wires the executor's cobra commands.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/catface996/aiops-executor/internal/config"
	"github.com/catface996/aiops-executor/internal/log"
)

// NewRootCommand builds the aiops-executor command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "aiops-executor",
		Short:         "Run hierarchical agent teams as dependency graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("db", "", "Database URL; overrides database.url")
	rootCmd.PersistentFlags().String("driver", "", "Database driver (sqlite3 or postgres); overrides database.driver")

	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newValidateCommand(), newStatusCommand())
	return rootCmd
}

// loadConfig resolves configuration from defaults, .env, the config file,
// the environment and command line flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	flags := cmd.Flags()
	if f := flags.Lookup("db"); f != nil {
		_ = v.BindPFlag("database.url", f)
	}
	if f := flags.Lookup("driver"); f != nil {
		_ = v.BindPFlag("database.driver", f)
	}

	configFile, _ := flags.GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	log.GetLogger().Debugf("Loaded configuration (driver=%s)", cfg.Database.Driver)
	return cfg, nil
}
