package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

var (
	owner    string
	holdFor  time.Duration
	holdTick time.Duration

	// holdCmd represents the hold command
	holdCmd = &cobra.Command{
		Use:   "hold [key]",
		Short: "Acquire a lock and hold it until interrupted",
		Long: `Acquire a lock and keep it alive with the watchdog until the process is
interrupted or --for elapses. The lock is released on exit.`,
		Args: cobra.ExactArgs(1),
		RunE: runHold,
	}

	// execCmd represents the exec command
	execCmd = &cobra.Command{
		Use:   "exec [key] -- [command] [args...]",
		Short: "Run a command while holding a lock",
		Long: `Run a command while holding a lock. The command is killed when the lease
is lost, and the lock is released once it exits.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runExec,
	}

	// infoCmd represents the info command
	infoCmd = &cobra.Command{
		Use:   "info [key]",
		Short: "Print the effective configuration and the state of a key",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	// existsCmd represents the exists command
	existsCmd = &cobra.Command{
		Use:   "exists [key]",
		Short: "Report whether a key is locked in the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runExists,
	}
)

func init() {
	for _, c := range []*cobra.Command{holdCmd, execCmd} {
		c.Flags().StringVar(&owner, "owner", "", "Owner identity (random when empty)")
	}
	holdCmd.Flags().DurationVar(&holdFor, "for", 0, "How long to hold the lock, 0 until interrupted")
	holdCmd.Flags().DurationVar(&holdTick, "report", 0, "Print the lock state at this interval, 0 to disable")

	// everything after the key belongs to the command
	execCmd.Flags().SetInterspersed(false)
}

func ownerID() string {
	if owner == "" {
		owner = lock.NewOwner()
	}
	return owner
}

func runHold(cmd *cobra.Command, args []string) error {
	key := args[0]
	m := deployment.Manager
	out := cmd.OutOrStdout()

	err := m.Do(cmd.Context(), ownerID(), key, 0, 0, func(ctx context.Context) error {
		if info, ok := m.LockInfo(key); ok {
			printInfo(out, info)
		}

		var deadline <-chan time.Time
		if holdFor > 0 {
			timer := time.NewTimer(holdFor)
			defer timer.Stop()
			deadline = timer.C
		}
		var report <-chan time.Time
		if holdTick > 0 {
			ticker := time.NewTicker(holdTick)
			defer ticker.Stop()
			report = ticker.C
		}

		for {
			select {
			case <-deadline:
				return nil
			case <-report:
				if info, ok := m.LockInfo(key); ok {
					printInfo(out, info)
				}
			case <-ctx.Done():
				if errors.Is(context.Cause(ctx), leaseerrors.ErrLeaseLost) {
					return context.Cause(ctx)
				}
				// interrupted
				return nil
			}
		}
	})
	if err != nil {
		return fmt.Errorf("hold %s: %w", key, err)
	}
	fmt.Fprintln(out, "released=true")
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	key, argv := args[0], args[1:]
	if argv[0] == "--" {
		argv = argv[1:]
	}
	if len(argv) == 0 {
		return fmt.Errorf("exec %s: missing command", key)
	}
	return deployment.Manager.Do(cmd.Context(), ownerID(), key, 0, 0, func(ctx context.Context) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Stdin = os.Stdin
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		if err := c.Run(); err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, leaseerrors.ErrLeaseLost) {
				return fmt.Errorf("%s: %w", argv[0], cause)
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil
	})
}

func runInfo(cmd *cobra.Command, args []string) error {
	key := args[0]
	m := deployment.Manager
	cfg := m.Config()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "backend=%s\n", v.GetString("backend"))
	fmt.Fprintf(out, "bus=%s\n", v.GetString("bus"))
	fmt.Fprintf(out, "lease_ttl=%s\n", cfg.DefaultLeaseTTL)
	fmt.Fprintf(out, "timeout=%s\n", cfg.DefaultTimeout)
	fmt.Fprintf(out, "watchdog_ratio=%.3f\n", cfg.WatchdogRatio)
	fmt.Fprintf(out, "poll_interval=%s\n", cfg.PollInterval)
	fmt.Fprintf(out, "store_key=%s\n", m.StoreKey(key))

	locked, err := m.IsLocked(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("failed to query lock: %w", err)
	}
	fmt.Fprintf(out, "locked=%v\n", locked)
	return nil
}

func runExists(cmd *cobra.Command, args []string) error {
	locked, err := deployment.Manager.IsLocked(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to query lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "locked=%v\n", locked)
	return nil
}

func printInfo(w io.Writer, info lock.Info) {
	fmt.Fprintf(w, "key=%s owner=%s token=%s state=%s holds=%d renewals=%d expires_at=%s\n",
		info.Key, info.Owner, info.Token, info.State, info.HoldCount, info.Renewals,
		info.ExpiresAt.Format(time.RFC3339Nano))
}
