// Package cli implements the ewonic command line.
package cli

import (
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/ewonic/internal/config"
	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
	database   string
	platform   string
	airURL     string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "ewonic",
	Short: "ewonic connects nearby devices over a relay-bootstrapped peer link",
	Long: `ewonic discovers nearby devices over a low-energy radio, exchanges
WebRTC signaling through it and keeps a text and audio channel open to one peer.
On desktop hosts the radio is simulated by an air hub (see "ewonic air").`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ExecuteAir runs the standalone air hub command.
func ExecuteAir() {
	cmd := newAirServeCommand()
	cmd.Use = "ewonic-air"
	addGlobalFlags(cmd)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.database, "db", "", "path to the sqlite database")
	pf.StringVar(&flags.platform, "platform", "", "session transport (webrtc or native)")
	pf.StringVar(&flags.airURL, "air", "", "air hub websocket URL")
}

func init() {
	addGlobalFlags(rootCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(NewAirCommand())
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(peersCmd)
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.database != "" {
		cfg.Database = flags.database
	}
	if flags.platform != "" {
		cfg.Platform = config.Platform(flags.platform)
	}
	if flags.airURL != "" {
		cfg.Air.URL = flags.airURL
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	level, err := logger.Parse(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(os.Stderr, level), nil
}
