package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thedanheller/remote-brain/internal/client"
	"github.com/thedanheller/remote-brain/internal/logging"
	"github.com/thedanheller/remote-brain/internal/protocol"
	"github.com/thedanheller/remote-brain/internal/transport"
)

const dialTimeout = 10 * time.Second

// NewConnectCmd is a terminal client: dial a host by server id, submit
// prompts, stream tokens. Ctrl-C aborts an in-flight generation; a second
// Ctrl-C (or EOF) quits.
func NewConnectCmd(opts *Options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "connect <server-id>",
		Short: "Connect to a host and chat from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			topic, err := transport.ParseServerID(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid server id: %w", err)
			}

			logger, _, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			dialCtx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()

			tr := &transport.TCP{DialAddr: addr, Logger: logger.Named("transport")}
			conn, err := tr.Dial(dialCtx, topic)
			if err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}

			drv := client.New(conn, logger.Named("client"))
			defer drv.Close()

			out := cmd.OutOrStdout()
			events := drv.Events()

			select {
			case ev, ok := <-events:
				if !ok || ev.Kind != client.EventHostInfo {
					if ev.Code != "" {
						return fmt.Errorf("host refused connection: %s (%s)", ev.Message, ev.Code)
					}
					return fmt.Errorf("host closed the connection before identifying itself")
				}
				fmt.Fprintf(out, "Connected to %s (model %s, %s)\n", ev.Host.HostName, ev.Host.Model, ev.Host.Status)
			case <-time.After(dialTimeout):
				return fmt.Errorf("timed out waiting for host info")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			defer signal.Stop(sigCh)

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			for {
				fmt.Fprint(out, "> ")
				select {
				case <-sigCh:
					fmt.Fprintln(out)
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					prompt := strings.TrimSpace(line)
					if prompt == "" {
						continue
					}
					if prompt == "/quit" {
						return nil
					}

					requestID, err := drv.SendChatStart(prompt)
					if err != nil {
						fmt.Fprintf(out, "error: %v\n", err)
						continue
					}
					if err := streamOne(out, drv, events, sigCh, requestID); err != nil {
						return err
					}
				case ev, ok := <-events:
					if !ok || ev.Kind == client.EventClosed {
						fmt.Fprintln(out, "\nConnection to host lost.")
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7609", "Host address (development transport)")
	return cmd
}

// streamOne prints one generation until its terminal, a user abort, or a
// dead transport.
func streamOne(out io.Writer, drv *client.Driver, events <-chan client.Event, sigCh <-chan os.Signal, requestID string) error {
	for {
		select {
		case <-sigCh:
			_ = drv.SendAbort()
			fmt.Fprintln(out, "\n(aborted)")
			return nil
		case ev, ok := <-events:
			if !ok || ev.Kind == client.EventClosed {
				fmt.Fprintln(out, "\nConnection to host lost.")
				return nil
			}

			switch ev.Kind {
			case client.EventChunk:
				fmt.Fprint(out, ev.Text)
			case client.EventTerminal:
				if ev.RequestID != "" && ev.RequestID != requestID {
					continue
				}
				switch {
				case ev.Code != "":
					fmt.Fprintf(out, "\n[%s] %s\n", ev.Code, ev.Message)
				case ev.FinishReason == protocol.FinishAbort:
					fmt.Fprintln(out, "\n(aborted by host)")
				default:
					fmt.Fprintln(out)
				}
				return nil
			}
		}
	}
}
