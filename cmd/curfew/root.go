package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yairfalse/curfew/internal/config"
	"github.com/yairfalse/curfew/internal/telemetry"
)

const defaultConfigFile = "curfew.toml"

var (
	version = "0.1.0"
	cfgFile string
	debug   bool
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "curfew",
		Short: "EC2 instance lifecycle governor",
		Long: `Curfew - EC2 instance lifecycle governor

Curfew watches running EC2 instances. Once an instance has run past the
configured time limit its owner is warned on Slack, and after the last
warning the instance is stopped. Owners can postpone or silence the
warnings from Slack or through an SQS queue.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Curfew {{.Version}} - EC2 instance lifecycle governor
`)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "config file (TOML, or YAML by extension)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	viper.SetEnvPrefix("CURFEW")
	_ = viper.BindEnv("slack.token", "CURFEW_SLACK_TOKEN")
	_ = viper.BindEnv("slack.signing_secret", "CURFEW_SLACK_SIGNING_SECRET")
	_ = viper.BindEnv("store.dsn", "CURFEW_STORE_DSN")
}

// loadConfig reads the config file, applies environment overrides and
// sets up logging. A missing default config file falls back to defaults.
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgFile)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		loaded = config.Default()
	default:
		return err
	}

	applyEnv(loaded)

	if debug {
		loaded.Log.Level = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	if err := telemetry.SetupLogging(loaded.Log.Level, loaded.Log.Format); err != nil {
		return err
	}

	log.Debug().Str("config", cfgFile).Str("store", loaded.Store.Backend).Msg("configuration loaded")
	cfg = loaded
	return nil
}

// applyEnv overrides secrets from the environment.
func applyEnv(c *config.Config) {
	if v := viper.GetString("slack.token"); v != "" {
		c.Slack.Token = v
	}
	if v := viper.GetString("slack.signing_secret"); v != "" {
		c.Slack.SigningSecret = v
	}
	if v := viper.GetString("store.dsn"); v != "" {
		c.Store.DSN = v
	}
}
