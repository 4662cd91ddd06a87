package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const appCtxKey ctxKey = "appData"
const appConfigPathKey ctxKey = "appConfigPath"

func NewRootCommand() *cobra.Command {
	var configPath string
	var logLevelFlag string

	rootCmd := &cobra.Command{
		Use:   "t2hproxy",
		Short: "t2hproxy serves TFTP read requests from an HTTP origin",
		Long: `t2hproxy is a TFTP to HTTP gateway. Each read request is answered by
fetching <url_prefix><filename> over HTTP and streaming the body back to the
TFTP client, which makes it a drop-in boot server for PXE clients that only
speak TFTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadProxyConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load proxy config: %w", err)
			}

			if logLevelFlag != "" {
				cfg.LogLevel = logLevelFlag
			}
			if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
				internal.Warn("invalid log level in config, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cfgPath := configPath
			if strings.TrimSpace(cfgPath) == "" {
				cfgPath = internal.DefaultConfigPath()
			}
			internal.Debug("configuration loaded", internal.Fields{
				internal.ConfigPath:     cfgPath,
				internal.CredentialPath: cfg.CredentialsFile,
			})

			ctx := context.WithValue(cmd.Context(), appCtxKey, cfg)
			ctx = context.WithValue(ctx, appConfigPathKey, cfgPath)
			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(ServeCommand())
	rootCmd.AddCommand(GetCommand())
	rootCmd.AddCommand(ConfigCommand())
	rootCmd.AddCommand(CredentialCommand())

	return rootCmd
}

// Helper function for subcommands to get the loaded config
func GetAppConfig(cmd *cobra.Command) *internal.ProxyConfig {
	if v := cmd.Context().Value(appCtxKey); v != nil {
		if data, ok := v.(*internal.ProxyConfig); ok {
			return data
		}
	}
	return nil
}

func getAppConfigPath(cmd *cobra.Command) string {
	if v := cmd.Context().Value(appConfigPathKey); v != nil {
		if path, ok := v.(string); ok {
			return path
		}
	}
	return ""
}
