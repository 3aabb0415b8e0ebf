package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"clickid-service/internal/app/server"
	"clickid-service/internal/clickid"
	"clickid-service/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "clickid",
	Short: "Click id minting endpoint",
	Long:  `Mints and caches third-party click ids per browser session and exposes them to tracking scripts.`,
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var mintURLCmd = &cobra.Command{
	Use:   "mint-url <campaign-id> [referrer]",
	Short: "Print the provider mint URL for a campaign and referrer",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runMintURL,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clickid %s (built %s)\n", version, buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (default configs/application.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mintURLCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (config.Config, error) {
	// .env is optional
	_ = godotenv.Load()
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFile)
	log.Info().
		Str("version", version).
		Str("lookup", cfg.Lookup.BaseURL).
		Str("provider", cfg.Provider.BaseURL).
		Str("session_backend", cfg.Session.Backend).
		Msg("starting clickid service")

	return server.Run(cfg)
}

func runMintURL(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	referrer := ""
	if len(args) > 1 {
		referrer = args[1]
	}
	fmt.Fprintln(cmd.OutOrStdout(), clickid.BuildMintURL(cfg.Provider.BaseURL, args[0], referrer))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
