package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jingkaihe/skillbox/pkg/config"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// cfg is the configuration loaded before every command runs.
	cfg config.Config

	// tracingShutdown flushes spans once the command has finished.
	tracingShutdown = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "skillbox",
	Short: "Discover, read and run agent skills under a security policy",
	Long: `skillbox lets an agent or orchestrator discover skills (directories holding a SKILL.md),
load their instructions, read their references and assets within a byte budget, and run their
scripts in a sandbox, recording every step in an audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd)
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default is $HOME/.skillbox/config.yaml or ./config.yaml)")
	flags.String("profile", "", "Named policy profile to apply on top of the base config")
	flags.String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	flags.String("log-format", "text", "Log format (text or json)")
	flags.StringSlice("skills-dir", nil, "Skill directories to search, in priority order (overrides skills.dirs)")
	flags.BoolP("quiet", "q", false, "Suppress informational output")

	viper.BindPFlag("profile", flags.Lookup("profile"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.format", flags.Lookup("log-format"))
	viper.BindPFlag("skills.dirs", flags.Lookup("skills-dir"))
}

func loadConfig(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	loaded, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = loaded

	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		presenter.SetQuiet(true)
	}

	shutdown, err := initTracing(cmd.Context(), cfg.Tracing)
	if err != nil {
		logger.G(cmd.Context()).WithError(err).Warn("failed to initialise tracing, continuing without it")
		return nil
	}
	tracingShutdown = shutdown
	return nil
}

func main() {
	if err := config.Init(viper.GetViper()); err != nil {
		presenter.Error(err, "Failed to initialise configuration")
		os.Exit(1)
	}

	rootCmd.AddCommand(withTracing(listCmd))
	rootCmd.AddCommand(withTracing(showCmd))
	rootCmd.AddCommand(withTracing(readCmd))
	rootCmd.AddCommand(withTracing(resourcesCmd))
	rootCmd.AddCommand(withTracing(runCmd))
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)

	ctx := context.Background()
	err := rootCmd.ExecuteContext(ctx)

	if shutdownErr := tracingShutdown(ctx); shutdownErr != nil {
		logger.G(ctx).WithError(shutdownErr).Warn("failed to flush traces")
	}

	if err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		presenter.Error(err, "")
		os.Exit(1)
	}
}

// exitCodeError makes the process exit with a script's own exit code.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.code)
}
