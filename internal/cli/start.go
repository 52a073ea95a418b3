package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thedanheller/remote-brain/internal/daemon"
	"github.com/thedanheller/remote-brain/internal/logging"
)

// NewStartCmd runs the host in the foreground until interrupted.
func NewStartCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Announce the topic and serve peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			logger, level, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			host, err := daemon.NewHost(cfg, logger, level)
			if err != nil {
				return err
			}
			return host.Run(ctx)
		},
	}
}
