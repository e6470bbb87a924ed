package main

import (
	"fmt"
	"os"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brine",
	Short: "Brine - secure session layer for master/minion fleets",
	Long: `Brine authenticates minions against one or more masters with RSA
identity keys, hands out a rotating AES session key and seals every
request with it.

Masters can be clustered so that minions may talk to any of them with
the same session key.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Brine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(minionCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(genKeysCmd)
	rootCmd.AddCommand(caCmd)
}

// initLogging applies the configured log settings, letting flags win
func initLogging(cmd *cobra.Command, c config.Log) {
	level := c.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	jsonOut := c.JSON
	if cmd.Flags().Changed("log-json") {
		jsonOut, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
		Output:     os.Stderr,
	})
}

func loadMasterConfig(cmd *cobra.Command) (*config.MasterConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMaster(path)
	if err != nil {
		return nil, err
	}
	initLogging(cmd, cfg.Log)
	return cfg, nil
}

func loadMinionConfig(cmd *cobra.Command) (*config.MinionConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMinion(path)
	if err != nil {
		return nil, err
	}
	initLogging(cmd, cfg.Log)
	return cfg, nil
}
