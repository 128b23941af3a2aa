package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"befunny.io/auth/internal/config"
	"befunny.io/auth/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "none"
)

// global flags
var configFile string

// resolved in PersistentPreRunE
var (
	v   *viper.Viper
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:     "authctl",
	Short:   fmt.Sprintf("befunny auth admin tool (version: %s, commit: %s)", version, commit),
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}
		return obs.InitLogger(cfg.LogLevel, cfg.LogFormat)
	},
}

func init() {
	v = config.New()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("AUTH_CONFIG"), "YAML configuration file")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag(config.LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-format", "json", "Log format (console, json)")
	_ = v.BindPFlag(config.LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL DSN (overrides AUTH_POSTGRES_DSN)")
	_ = v.BindPFlag(config.PostgresDSNKey, rootCmd.PersistentFlags().Lookup("dsn"))

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		obs.Logger().Error().Err(err).Msg("execution failed")
		os.Exit(1)
	}
}
