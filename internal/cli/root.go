// Package cli implements ucairctl, the operator command line for the
// personalization engine's stores and data files.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/talkware/ucair/pkg/config"
	"github.com/talkware/ucair/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ucairctl",
	Short: "Inspect and maintain UCAIR history, models and collection statistics",
	Long: `ucairctl works directly on the stores configured for ucaird.

Example usage:
  ucairctl history users                         # List users with stored history
  ucairctl topics alice --sort "total click count"
  ucairctl model show alice 3f2a... --name session
  ucairctl colstats build docs/*.txt -o stats.txt`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger.SetupWriter(os.Stderr, cfg.Logging.Level, "text")
		return nil
	},
}

// Execute runs the command line; an interrupt cancels the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus UCAIR_* environment)")
}
