package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"taskrelay/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the taskrelay daemon",
	Long: `Run the daemon in the foreground.

Persisted tasks are restored at startup unless --restore-on-start=false.
Under systemd (Type=notify) readiness and shutdown are reported via sd_notify.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().Bool("restore-on-start", true, "Cold start every app with a persisted snapshot")
	runCmd.Flags().Duration("stop-timeout", 10*time.Second, "Upper bound for graceful shutdown")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	restore, _ := cmd.Flags().GetBool("restore-on-start")
	stopTimeout, _ := cmd.Flags().GetDuration("stop-timeout")

	a, err := app.NewApp(configPath(), app.WithRestoreOnStart(restore))
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		fmt.Fprintln(os.Stderr, "sd_notify ready:", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-cmd.Context().Done():
		reason = app.StopAppStop
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
