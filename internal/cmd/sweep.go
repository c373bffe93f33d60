package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lanfence/lanfence/internal/config"
	"github.com/lanfence/lanfence/internal/logging"
	"github.com/lanfence/lanfence/internal/watcher"
)

// SweepCmd represents the lanfence sweep subcommand. It runs the same
// exhaustive cleanup the watcher performs on exit, for the case where a
// crashed watcher left rules behind. It talks only to the packet filter and
// the state directory; the container runtime does not need to be up.
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove every recorded rule set and its state record",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.GetLogger()
		if logger == nil {
			logger = slog.Default()
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if os.Geteuid() != 0 {
			return fmt.Errorf("sweep must run as root to manage packet-filter rules")
		}

		_, manager, store, err := buildEnforcementStack(cfg, logger)
		if err != nil {
			return err
		}

		enforcer, err := watcher.NewEnforcer(manager, store, nil, logger.With(slog.String("component", "sweep")), nil)
		if err != nil {
			return fmt.Errorf("create enforcer: %w", err)
		}

		enforcer.Sweep(context.Background())
		return nil
	},
}
