package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-lease/v1/config"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/presets"
)

var rootCmd = &cobra.Command{
	Use:   "lease-proxy",
	Short: "Serve lease-based locks over the Redis protocol",
	Long: `lease-proxy is a sidecar that lets any Redis client take lease-based locks:

  LOCK key owner [timeout-ms [ttl-ms]]
  UNLOCK key owner
  RENEW key owner [ttl-ms]
  LOCKED key
  LOCKINFO key

Leases are renewed by the proxy while held and released when the
connection that took them closes.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.SetupFlags(rootCmd)
	rootCmd.Flags().String("listen", "127.0.0.1:6380", "Address to listen on")
}

func run(cmd *cobra.Command, _ []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd); err != nil {
		return err
	}
	settings, err := config.Load(v)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	d, err := presets.FromSettings(cmd.Context(), settings, lock.WithLogger(logger))
	if err != nil {
		return err
	}
	defer d.Close()

	ln, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return err
	}
	logger.Info("lease: proxy listening", "addr", ln.Addr().String(), "backend", settings.Backend, "bus", settings.Bus)

	srv := &server{m: d.Manager, logger: logger}
	return srv.serve(cmd.Context(), ln)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
