package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thedanheller/remote-brain/internal/provider/ollama"
)

// NewSelectModelCmd lists local models and persists the chosen one.
func NewSelectModelCmd(opts *Options) *cobra.Command {
	var modelName string

	cmd := &cobra.Command{
		Use:   "select-model",
		Short: "Choose which local model is served to peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			prov := ollama.NewProvider(cfg.Ollama.BaseURL, cfg.Ollama.Timeout, nil)
			models, err := prov.Models(cmd.Context())
			if err != nil {
				return fmt.Errorf("is ollama running? %w", err)
			}
			if len(models) == 0 {
				return fmt.Errorf("ollama holds no models; pull one first (e.g. `ollama pull llama3`)")
			}

			if modelName == "" {
				out := cmd.OutOrStdout()
				for i, m := range models {
					marker := " "
					if m.Name == cfg.Host.Model {
						marker = "*"
					}
					fmt.Fprintf(out, "%s %2d) %s\n", marker, i+1, m.Name)
				}
				fmt.Fprint(out, "Select model: ")

				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read selection: %w", err)
				}
				idx, err := strconv.Atoi(strings.TrimSpace(line))
				if err != nil || idx < 1 || idx > len(models) {
					return fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
				}
				modelName = models[idx-1].Name
			} else {
				found := false
				for _, m := range models {
					if m.Name == modelName {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("model %q is not available locally", modelName)
				}
			}

			if err := persistModel(opts.ConfigPath, modelName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving model %s.\n", modelName)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelName, "model", "", "Model name to select without prompting")
	return cmd
}

// persistModel writes host.model back to the config file, creating
// config.yaml in the working directory when none exists yet.
func persistModel(path, model string) error {
	v := viper.New()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if err := v.ReadInConfig(); err != nil {
			v.Set("host.model", model)
			if werr := v.WriteConfigAs("config.yaml"); werr != nil {
				return fmt.Errorf("write config: %w", werr)
			}
			return nil
		}
	} else {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	v.Set("host.model", model)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
