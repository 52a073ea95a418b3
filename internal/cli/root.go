package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thedanheller/remote-brain/internal/config"
	"github.com/thedanheller/remote-brain/internal/daemon"
	"github.com/thedanheller/remote-brain/internal/version"
)

// Options holds global CLI options.
type Options struct {
	ConfigPath string
}

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "remotebrain",
		Short:         "remote-brain – share a local Ollama with remote peers",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: config.yaml, configs/config.yaml)")

	cmd.AddCommand(NewStartCmd(opts))
	cmd.AddCommand(NewStopCmd(opts))
	cmd.AddCommand(NewConnectCmd(opts))
	cmd.AddCommand(NewSelectModelCmd(opts))
	cmd.AddCommand(NewCopyServerIDCmd(opts))
	cmd.AddCommand(NewShowQRCmd(opts))
	cmd.AddCommand(NewToggleDebugCmd(opts))
	cmd.AddCommand(NewDoctorCmd(opts))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command. Exit codes: 0 normal, 1 fatal failure,
// 2 when another instance holds the single-instance lock.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// loadConfig wraps config loading with shared options.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
