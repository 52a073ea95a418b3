package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thedanheller/remote-brain/internal/provider/ollama"
)

// NewDoctorCmd returns a health-check command validating config and environment.
func NewDoctorCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and probe the inference engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK. Host %q, max peers: %d\n", cfg.Host.Name, cfg.Relay.MaxPeers)

			prov := ollama.NewProvider(cfg.Ollama.BaseURL, cfg.Ollama.Timeout, nil)
			if err := prov.Health(cmd.Context()); err != nil {
				fmt.Fprintf(out, "Ollama: UNREACHABLE (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Ollama: reachable at %s\n", cfg.Ollama.BaseURL)

			models, err := prov.Models(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "Models: listing failed (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Models: %d available\n", len(models))

			if cfg.Host.Model == "" {
				fmt.Fprintln(out, "No model selected; run select-model before start.")
				return nil
			}
			for _, m := range models {
				if m.Name == cfg.Host.Model {
					fmt.Fprintf(out, "Selected model %q is available.\n", cfg.Host.Model)
					return nil
				}
			}
			fmt.Fprintf(out, "Selected model %q is NOT available locally.\n", cfg.Host.Model)
			return nil
		},
	}
}
