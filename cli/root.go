package cli

import (
	"context"
	"fmt"

	"github.com/antmicro/farshow/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const senderCtxKey ctxKey = "senderConfig"
const receiverCtxKey ctxKey = "receiverConfig"
const configPathKey ctxKey = "configPath"

func NewRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "farshow",
		Short: "farshow streams images over UDP",
		Long:  `farshow splits compressed images into datagrams, sends them to one or many receivers and reassembles the newest complete frame of every stream on the other side.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.WithValue(cmd.Context(), configPathKey, configPath)

			level := "info"
			switch commandScope(cmd) {
			case "send":
				cfg, err := internal.LoadSenderConfig(configPath)
				if err != nil {
					return fmt.Errorf("failed to load sender config: %w", err)
				}
				level = cfg.LogLevel
				ctx = context.WithValue(ctx, senderCtxKey, cfg)
			case "view":
				cfg, err := internal.LoadReceiverConfig(configPath)
				if err != nil {
					return fmt.Errorf("failed to load receiver config: %w", err)
				}
				level = cfg.LogLevel
				ctx = context.WithValue(ctx, receiverCtxKey, cfg)
			}
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			if err := internal.ConfigureLogger(level); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(SendCommand())
	rootCmd.AddCommand(ViewCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// commandScope names the top-level subcommand cmd belongs to.
func commandScope(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if c.HasParent() && !c.Parent().HasParent() {
			return c.Name()
		}
	}
	return ""
}

func GetSenderConfig(cmd *cobra.Command) *internal.SenderConfig {
	if v := cmd.Context().Value(senderCtxKey); v != nil {
		if cfg, ok := v.(*internal.SenderConfig); ok {
			return cfg
		}
	}
	return nil
}

func GetReceiverConfig(cmd *cobra.Command) *internal.ReceiverConfig {
	if v := cmd.Context().Value(receiverCtxKey); v != nil {
		if cfg, ok := v.(*internal.ReceiverConfig); ok {
			return cfg
		}
	}
	return nil
}

func getConfigPath(cmd *cobra.Command) string {
	if v := cmd.Context().Value(configPathKey); v != nil {
		if path, ok := v.(string); ok {
			return path
		}
	}
	return ""
}
