package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thedanheller/remote-brain/internal/config"
)

// NewStopCmd signals a running host to shut down.
func NewStopCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Aliases: []string{"quit"},
		Short:   "Stop the running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := signalHost(cfg, syscall.SIGTERM); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Host stopping.")
			return nil
		},
	}
}

// NewToggleDebugCmd flips debug logging on the running host.
func NewToggleDebugCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-debug",
		Short: "Toggle debug logging on the running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := signalHost(cfg, syscall.SIGUSR1); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Debug logging toggled.")
			return nil
		},
	}
}

// signalHost delivers a signal to the pid recorded by a running host.
func signalHost(cfg *config.Config, sig syscall.Signal) error {
	raw, err := os.ReadFile(cfg.PidPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("host is not running (no pid file at %s)", cfg.PidPath())
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("pid file %s is corrupt: %w", cfg.PidPath(), err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find host process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal host (pid %d): %w", pid, err)
	}
	return nil
}
