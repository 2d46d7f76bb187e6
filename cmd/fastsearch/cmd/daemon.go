package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpstools/fastsearch/internal/daemon"
	"github.com/vpstools/fastsearch/internal/logging"
	"github.com/vpstools/fastsearch/internal/output"
	"github.com/vpstools/fastsearch/internal/client"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background search daemon",
		Long: `The daemon keeps embedding models loaded in memory so queries skip
model startup entirely.

Examples:
  fastsearch daemon start      # Start daemon in background
  fastsearch daemon start -f   # Run in foreground (for debugging)
  fastsearch daemon status     # Check if daemon is running
  fastsearch daemon reload     # Re-read the configuration
  fastsearch daemon stop       # Stop the daemon`,
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonReloadCmd())

	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStart(cmd.Context(), cmd, foreground)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStatus(cmd.Context(), cmd, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newDaemonReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to re-read its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonReload(cmd.Context(), cmd)
		},
	}
}

func runDaemonStart(ctx context.Context, cmd *cobra.Command, foreground bool) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c := client.New(cfg.Daemon.SocketPath)
	if c.Available(ctx) {
		_ = c.Close()
		out.Status("", "Daemon is already running")
		return nil
	}
	_ = c.Close()

	if foreground {
		logger, cleanup, err := setupDaemonLogging(cfg.Daemon.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		defer cleanup()

		out.Status("", "Starting daemon in foreground...")
		out.Statusf("", "Socket: %s", cfg.Daemon.SocketPath)
		out.Statusf("", "Logs:   %s", logging.DefaultLogPath())

		runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return daemon.NewServer(cfg, flagConfig, logger).Run(runCtx)
	}

	out.Status("", "Starting daemon in background...")

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	bgArgs := []string{"daemon", "start", "--foreground"}
	if flagConfig != "" {
		bgArgs = append(bgArgs, "--config", flagConfig)
	}
	bgCmd := exec.Command(execPath, bgArgs...)
	bgCmd.Stdout = nil
	bgCmd.Stderr = nil
	bgCmd.Stdin = nil
	bgCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := bgCmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Reap the child and catch premature exits during the wait below.
	done := make(chan error, 1)
	go func() { done <- bgCmd.Wait() }()

	probe := client.New(cfg.Daemon.SocketPath)
	defer func() { _ = probe.Close() }()
	for i := 0; i < 50; i++ {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon process exited unexpectedly: %w", err)
			}
			return fmt.Errorf("daemon process exited unexpectedly with code 0")
		default:
		}

		time.Sleep(100 * time.Millisecond)
		if probe.Available(ctx) {
			out.Successf("Daemon started (pid: %d)", bgCmd.Process.Pid)
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start within timeout")
}

func runDaemonStop(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.NewPIDFile(cfg.Daemon.PIDPath)
	if !pidFile.IsRunning() {
		out.Status("", "Daemon is not running")
		return nil
	}

	pid, err := pidFile.Read()
	if err != nil {
		return fmt.Errorf("failed to read PID: %w", err)
	}

	if err := pidFile.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if !pidFile.IsRunning() {
			out.Successf("Daemon stopped (was pid: %d)", pid)
			return nil
		}
	}

	out.Status("", "Daemon not responding, sending SIGKILL...")
	if err := pidFile.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}
	out.Success("Daemon killed")
	return nil
}

func runDaemonStatus(ctx context.Context, cmd *cobra.Command, jsonOut bool) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c := client.New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	if !c.Available(ctx) {
		if jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(map[string]bool{"running": false})
		}
		out.Status("", "Daemon is not running")
		out.Status("", "Run 'fastsearch daemon start' to start it")
		return nil
	}

	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	out.Status("", "Daemon is running")
	out.Statusf("", "  Uptime:   %s", time.Duration(status.UptimeSeconds*float64(time.Second)).Round(time.Second))
	out.Statusf("", "  Requests: %d", status.RequestCount)
	out.Statusf("", "  Socket:   %s", status.SocketPath)
	out.Statusf("", "  Memory:   %d / %d MB", status.TotalMemoryMB, status.MaxMemoryMB)
	for slot, model := range status.LoadedModels {
		out.Statusf("", "  %-8s  %s (%s)", slot+":", model.Model, model.State)
	}
	return nil
}

func runDaemonReload(ctx context.Context, cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c := client.New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	if err := c.ReloadConfig(ctx, flagConfig); err != nil {
		return err
	}
	out.Success("Configuration reloaded")
	return nil
}
