package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/thedanheller/remote-brain/internal/config"
	"github.com/thedanheller/remote-brain/internal/transport"
)

// NewCopyServerIDCmd puts the server id on the clipboard.
func NewCopyServerIDCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "copy-server-id",
		Short: "Copy the server id to the clipboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			id, err := loadServerID(cfg)
			if err != nil {
				return err
			}

			if err := clipboard.WriteAll(id); err != nil {
				// no clipboard available (headless host); printing still works
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Server ID copied to clipboard.")
			return nil
		},
	}
}

// NewShowQRCmd renders the server id as a terminal QR code.
func NewShowQRCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show-qr",
		Short: "Show the server id as a QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			id, err := loadServerID(cfg)
			if err != nil {
				return err
			}

			qrterminal.GenerateHalfBlock(id, qrterminal.L, cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// loadServerID reads the persisted topic. Ephemeral topics exist only
// inside a running host, so a topic file is required here.
func loadServerID(cfg *config.Config) (string, error) {
	if cfg.Transport.TopicFile == "" {
		return "", errors.New("transport.topic_file is not set; the host uses an ephemeral topic (its id is printed on start)")
	}

	raw, err := os.ReadFile(cfg.Transport.TopicFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no topic at %s yet; start the host first", cfg.Transport.TopicFile)
		}
		return "", fmt.Errorf("read topic file: %w", err)
	}

	id := strings.TrimSpace(string(raw))
	if _, err := transport.ParseServerID(id); err != nil {
		return "", fmt.Errorf("topic file %s: %w", cfg.Transport.TopicFile, err)
	}
	return id, nil
}
