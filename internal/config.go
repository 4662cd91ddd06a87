package internal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort             = 69
	DefaultURLPrefix        = "http://localhost/"
	DefaultTimeoutMs        = 5000
	DefaultAckTimeoutMs     = 2000
	DefaultMaxRetries       = 5
	DefaultProxyPort        = 3128
	DefaultUpstreamClients  = 64
	DefaultUDPReadBufferLen = 64 * 1024

	configDirName  = ".t2hproxy"
	configFileName = "t2hproxy"
	envPrefix      = "T2HPROXY"
)

type ProxyConfig struct {
	Port              int    `mapstructure:"port" yaml:"port" toml:"port"`
	Host              string `mapstructure:"host" yaml:"host" toml:"host"`
	URLPrefix         string `mapstructure:"url_prefix" yaml:"url_prefix" toml:"url_prefix"`
	Proxy             string `mapstructure:"proxy" yaml:"proxy" toml:"proxy"`
	TimeoutMs         int    `mapstructure:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	AckTimeoutMs      int    `mapstructure:"ack_timeout_ms" yaml:"ack_timeout_ms" toml:"ack_timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries" yaml:"max_retries" toml:"max_retries"`
	UpstreamClients   int    `mapstructure:"upstream_clients" yaml:"upstream_clients" toml:"upstream_clients"`
	CredentialsFile   string `mapstructure:"credentials_file" yaml:"credentials_file" toml:"credentials_file"`
	MetricsAddr       string `mapstructure:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel          string `mapstructure:"log_level" yaml:"log_level" toml:"log_level"`
	UDPReadBufferSize int    `mapstructure:"udp_read_buffer_size" yaml:"udp_read_buffer_size" toml:"udp_read_buffer_size"`
}

// LoadProxyConfig reads the gateway config from configPath, or from
// ~/.t2hproxy/t2hproxy.toml and ./t2hproxy.toml when configPath is empty.
// T2HPROXY_* environment variables override file values. When no file was
// read the defaults are persisted so the operator has something to edit.
func LoadProxyConfig(configPath string) (*ProxyConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New("failed to load users home directory: " + err.Error())
	}
	v, found, err := initViper(configPath, filepath.Join(home, configDirName), configFileName, "toml", envPrefix)
	if err != nil {
		return nil, errors.New("failed to load proxy config: " + err.Error())
	}

	v.SetDefault("port", DefaultPort)
	v.SetDefault("host", "")
	v.SetDefault("url_prefix", DefaultURLPrefix)
	v.SetDefault("proxy", "")
	v.SetDefault("timeout_ms", DefaultTimeoutMs)
	v.SetDefault("ack_timeout_ms", DefaultAckTimeoutMs)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("upstream_clients", DefaultUpstreamClients)
	v.SetDefault("credentials_file", filepath.Join(home, configDirName, "credentials.toml"))
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("udp_read_buffer_size", DefaultUDPReadBufferLen)

	var cfg ProxyConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CredentialsFile = expandPath(cfg.CredentialsFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create-on-first-run ONLY (no config file was read)
	if !found {
		writePath := configPath
		if writePath == "" {
			writePath = DefaultConfigPath()
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default proxy config: %w", err)
			}
			Info("proxy config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

// DefaultConfigPath is where the config lives when no --config is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName + ".toml"
	}
	return filepath.Join(home, configDirName, configFileName+".toml")
}

func (cfg *ProxyConfig) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if strings.TrimSpace(cfg.URLPrefix) == "" {
		return errors.New("url_prefix is required")
	}
	if cfg.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be > 0, got %d", cfg.TimeoutMs)
	}
	if cfg.AckTimeoutMs <= 0 {
		return fmt.Errorf("ack_timeout_ms must be > 0, got %d", cfg.AckTimeoutMs)
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be > 0, got %d", cfg.MaxRetries)
	}
	return nil
}

// ListenAddr is the host:port the TFTP listener binds to.
func (cfg *ProxyConfig) ListenAddr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func (cfg *ProxyConfig) FetchTimeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *ProxyConfig) AckTimeout() time.Duration {
	return time.Duration(cfg.AckTimeoutMs) * time.Millisecond
}

// ProxyHostPort splits the configured upstream proxy. The port defaults to
// 3128 when it is missing, zero or not a number. ok is false when no proxy is
// configured.
func (cfg *ProxyConfig) ProxyHostPort() (host string, port int, ok bool) {
	return ParseProxy(cfg.Proxy)
}

func ParseProxy(proxy string) (string, int, bool) {
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return "", 0, false
	}
	parts := strings.SplitN(proxy, ":", 2)
	host := parts[0]
	port := DefaultProxyPort
	if len(parts) > 1 {
		if p, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && p > 0 && p <= 65535 {
			port = p
		}
	}
	return host, port, true
}

func (cfg *ProxyConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("port", cfg.Port)
	v.Set("host", cfg.Host)
	v.Set("url_prefix", cfg.URLPrefix)
	v.Set("proxy", cfg.Proxy)
	v.Set("timeout_ms", cfg.TimeoutMs)
	v.Set("ack_timeout_ms", cfg.AckTimeoutMs)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("upstream_clients", cfg.UpstreamClients)
	v.Set("credentials_file", cfg.CredentialsFile)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("log_level", cfg.LogLevel)
	v.Set("udp_read_buffer_size", cfg.UDPReadBufferSize)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write proxy config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, false, nil
		}
		// An explicit path that does not exist yet is created on first run.
		if configPath != "" && errors.Is(err, os.ErrNotExist) {
			return v, false, nil
		}
		Error("config file unreadable", Fields{
			ConfigPath: configPath,
			FieldError: err.Error(),
		})
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	return v, true, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
