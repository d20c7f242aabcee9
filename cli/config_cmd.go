package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/antmicro/farshow/cli/output"
	"github.com/antmicro/farshow/internal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// settingsConfig is what config show and set operate on.
type settingsConfig interface {
	Settings() map[string]any
	Set(key, value string) error
	Save(path string) (string, error)
}

func ConfigCommand() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update farshow configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&target, "target", "view", "Which config to use: send or view")
	cmd.AddCommand(configShowCommand(&target), configSetCommand(&target))
	return cmd
}

func configShowCommand(target *string) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadTarget(*target, getConfigPath(cmd))
			if err != nil {
				return err
			}
			return writeSettings(cmd.OutOrStdout(), cfg.Settings(), format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "toml", "Output format: toml, yaml or json")
	return cmd
}

func configSetCommand(target *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "set key=value...",
		Short:   "Update keys of the send or view configuration",
		Example: "  farshow config set --target view http_addr=:9000 workers=4",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadTarget(*target, getConfigPath(cmd))
			if err != nil {
				return err
			}
			updated := make(map[string]any, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("%q is not key=value", arg)
				}
				if err := cfg.Set(key, value); err != nil {
					return err
				}
				updated[strings.ToLower(strings.TrimSpace(key))] = value
			}

			saved, err := cfg.Save(path)
			if err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			updated["config"] = saved
			output.NewPrinter().WithWriter(cmd.OutOrStdout()).Success("configuration updated", updated)
			return nil
		},
	}
	return cmd
}

func loadTarget(target, path string) (settingsConfig, string, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "send", "sender":
		cfg, err := internal.LoadSenderConfig(path)
		if err != nil {
			return nil, "", err
		}
		if path == "" {
			path = internal.DefaultSenderConfigPath()
		}
		return cfg, path, nil
	case "", "view", "receiver":
		cfg, err := internal.LoadReceiverConfig(path)
		if err != nil {
			return nil, "", err
		}
		if path == "" {
			path = internal.DefaultReceiverConfigPath()
		}
		return cfg, path, nil
	default:
		return nil, "", fmt.Errorf("--target must be either send or view")
	}
}

func writeSettings(w io.Writer, settings map[string]any, format string) error {
	var buf bytes.Buffer
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
	case "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		_ = enc.Close()
	case "json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
