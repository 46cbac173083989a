package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-lease/v1/config"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/presets"
)

var (
	v          *viper.Viper
	deployment *presets.Deployment
	logger     *slog.Logger

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "leasectl",
		Short: "Take and inspect lease-based locks",
		Long: `leasectl acquires lease-based locks on a shared store (memory, redis or
sqlite) and keeps them alive with a watchdog while they are held.

Every flag can also be set through a LEASE_* environment variable, e.g.
LEASE_BACKEND=redis, or in a .env file.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

func init() {
	config.SetupFlags(rootCmd)
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(holdCmd, execCmd, infoCmd, existsCmd)
}

// setup resolves the configuration and builds the deployment used by every
// subcommand.
func setup(cmd *cobra.Command, _ []string) error {
	v = config.New()
	if err := config.BindFlags(v, cmd); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return err
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	settings, err := config.Load(v)
	if err != nil {
		return err
	}
	deployment, err = presets.FromSettings(cmd.Context(), settings, lock.WithLogger(logger))
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if deployment != nil {
		if cerr := deployment.Close(); cerr != nil {
			logger.Error("lease: close deployment", "error", cerr)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}
