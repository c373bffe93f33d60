package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lanfence/lanfence/internal/logging"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "lanfence",
	Short: "Network-isolation watcher for labeled sandbox containers",
	Long: `lanfence keeps containers carrying the marker label away from the local network.
Matching containers may reach the configured DNS resolver; traffic to the denied
CIDR ranges is rejected. The watcher tracks container lifecycles, keys the
packet-filter rules to each container's IP, and removes every rule it installed
before it exits.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("LANFENCE")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}

		logging.InitLogger(viper.GetString("log-level"), "lanfence")
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind log-level flag: %v\n", err)
		os.Exit(1)
	}

	viper.SetDefault("label", "lanfence.sandbox")
	viper.SetDefault("deny-cidrs", "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16")
	viper.SetDefault("dns-ports", "53")
	viper.SetDefault("chain", "DOCKER-USER")
	viper.SetDefault("state-dir", "/run/lanfence/state")
	viper.SetDefault("stop-file", "/run/lanfence/stop")
	viper.SetDefault("poll-interval", "5s")
	viper.SetDefault("startup-grace", "2m")
	viper.SetDefault("idle-timeout", "5m")

	rootCmd.AddCommand(WatchCmd)
	rootCmd.AddCommand(SweepCmd)
}
