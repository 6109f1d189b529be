package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"sensororacle/internal/config"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "sensor-oracle",
	Short: "Payment-gated sensor data oracle",
	Long: `sensor-oracle sells sensor data packages for settlement-ledger payments.

Each purchase checks the payer's balance, moves the payment into the service
account, fetches a fresh package from the generation service and mints an
ownership asset for it. Failures after the payment moved are refunded.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initConfig()
	},
	RunE: runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cobra.CheckErr(v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")))

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	var err error
	cfg, err = config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lvl, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level (%s): %w", cfg.Log.Level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}
