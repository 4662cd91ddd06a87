package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update the gateway configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configShowCommand())
	cmd.AddCommand(configSetCommand())
	return cmd
}

func configShowCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			if cfg == nil {
				return errors.New("config unavailable")
			}
			return writeConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "Output format: toml or yaml")
	return cmd
}

func writeConfig(w io.Writer, cfg *internal.ProxyConfig, format string) error {
	var buf bytes.Buffer
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
	case "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		_ = enc.Close()
	default:
		return fmt.Errorf("unknown format %q, use toml or yaml", format)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

type configSetOpts struct {
	Port              int
	Host              string
	URLPrefix         string
	Proxy             string
	TimeoutMs         int
	AckTimeoutMs      int
	MaxRetries        int
	UpstreamClients   int
	CredentialsFile   string
	MetricsAddr       string
	LogLevel          string
	UDPReadBufferSize int
}

func configSetCommand() *cobra.Command {
	var opts configSetOpts
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update values in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			if cfg == nil {
				return errors.New("config unavailable")
			}
			updated := *cfg
			if n := applyConfigFlags(&updated, cmd.Flags(), opts); n == 0 {
				return errors.New("nothing to update, pass at least one flag")
			}
			if err := updated.Validate(); err != nil {
				return err
			}

			path, err := updated.Save(getAppConfigPath(cmd))
			if err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			*cfg = updated
			internal.Info("configuration updated", internal.Fields{
				internal.ConfigPath: path,
			})
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Port, "port", internal.DefaultPort, "UDP port for the TFTP listener")
	f.StringVar(&opts.Host, "host", "", "Listen address (empty for all interfaces)")
	f.StringVar(&opts.URLPrefix, "url-prefix", "", "Prefix prepended to every requested filename")
	f.StringVar(&opts.Proxy, "proxy", "", "Upstream HTTP proxy host[:port]")
	f.IntVar(&opts.TimeoutMs, "timeout-ms", 0, "Upstream connect and header timeout")
	f.IntVar(&opts.AckTimeoutMs, "ack-timeout-ms", 0, "Wait for each TFTP ACK")
	f.IntVar(&opts.MaxRetries, "max-retries", 0, "Sends per OACK or DATA block")
	f.IntVar(&opts.UpstreamClients, "upstream-clients", 0, "Concurrent upstream HTTP fetches")
	f.StringVar(&opts.CredentialsFile, "credentials-file", "", "Credential store path")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Prometheus listen address (empty disables)")
	f.StringVar(&opts.LogLevel, "default-log-level", "", "Log level stored in the config")
	f.IntVar(&opts.UDPReadBufferSize, "udp-read-buffer-size", 0, "Kernel receive buffer for the listener")
	return cmd
}

// applyConfigFlags copies only the flags that were set on the command line
// and returns how many it copied.
func applyConfigFlags(cfg *internal.ProxyConfig, flags *pflag.FlagSet, opts configSetOpts) int {
	n := 0
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
			n++
		}
	}
	set("port", func() { cfg.Port = opts.Port })
	set("host", func() { cfg.Host = opts.Host })
	set("url-prefix", func() { cfg.URLPrefix = opts.URLPrefix })
	set("proxy", func() { cfg.Proxy = opts.Proxy })
	set("timeout-ms", func() { cfg.TimeoutMs = opts.TimeoutMs })
	set("ack-timeout-ms", func() { cfg.AckTimeoutMs = opts.AckTimeoutMs })
	set("max-retries", func() { cfg.MaxRetries = opts.MaxRetries })
	set("upstream-clients", func() { cfg.UpstreamClients = opts.UpstreamClients })
	set("credentials-file", func() { cfg.CredentialsFile = opts.CredentialsFile })
	set("metrics-addr", func() { cfg.MetricsAddr = opts.MetricsAddr })
	set("default-log-level", func() { cfg.LogLevel = opts.LogLevel })
	set("udp-read-buffer-size", func() { cfg.UDPReadBufferSize = opts.UDPReadBufferSize })
	return n
}
