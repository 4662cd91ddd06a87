package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jgoldverg/t2hproxy/backend"
	"github.com/jgoldverg/t2hproxy/backend/ghttp"
	"github.com/jgoldverg/t2hproxy/cli/output"
	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/jgoldverg/t2hproxy/pkg/metrics"
	"github.com/jgoldverg/t2hproxy/pkg/tftpserver"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type ServeOpts struct {
	Host         string
	Port         int
	URLPrefix    string
	Proxy        string
	TimeoutMs    int
	AckTimeoutMs int
	MaxRetries   int
	MetricsAddr  string
	Dashboard    bool
	DrainTimeout time.Duration
}

func ServeCommand() *cobra.Command {
	var opts ServeOpts

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s", "server"},
		Short:   "Run the TFTP gateway",
		Long:    "Listen for TFTP read requests and answer each one by streaming <url-prefix><filename> from the HTTP origin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			base := GetAppConfig(cmd)
			if base == nil {
				return errors.New("proxy config unavailable")
			}
			cfg := *base
			applyServeFlags(&cfg, cmd.Flags(), opts)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runGateway(ctx, &cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "Address to bind (empty binds every interface)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", internal.DefaultPort, "UDP port for TFTP requests")
	cmd.Flags().StringVar(&opts.URLPrefix, "url-prefix", internal.DefaultURLPrefix, "Prefix prepended to every requested filename")
	cmd.Flags().StringVar(&opts.Proxy, "proxy", "", "Upstream HTTP proxy as host[:port]")
	cmd.Flags().IntVar(&opts.TimeoutMs, "timeout-ms", internal.DefaultTimeoutMs, "Upstream connect and response header timeout")
	cmd.Flags().IntVar(&opts.AckTimeoutMs, "ack-timeout-ms", internal.DefaultAckTimeoutMs, "Wait per ACK before retransmitting")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", internal.DefaultMaxRetries, "Sends per OACK or DATA block before giving up")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9169)")
	cmd.Flags().BoolVar(&opts.Dashboard, "dashboard", false, "Render live gateway statistics in the terminal")
	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", 30*time.Second, "How long to wait for running transfers on shutdown")
	return cmd
}

// applyServeFlags overrides config values only for flags given explicitly.
func applyServeFlags(cfg *internal.ProxyConfig, flags *pflag.FlagSet, opts ServeOpts) {
	if flags.Changed("host") {
		cfg.Host = opts.Host
	}
	if flags.Changed("port") {
		cfg.Port = opts.Port
	}
	if flags.Changed("url-prefix") {
		cfg.URLPrefix = opts.URLPrefix
	}
	if flags.Changed("proxy") {
		cfg.Proxy = opts.Proxy
	}
	if flags.Changed("timeout-ms") {
		cfg.TimeoutMs = opts.TimeoutMs
	}
	if flags.Changed("ack-timeout-ms") {
		cfg.AckTimeoutMs = opts.AckTimeoutMs
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = opts.MaxRetries
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
}

func runGateway(ctx context.Context, cfg *internal.ProxyConfig, opts ServeOpts) error {
	if backend.BackendForURL(cfg.URLPrefix) != backend.HTTPBackend {
		return fmt.Errorf("url prefix %q is not an http(s) URL", cfg.URLPrefix)
	}

	var creds backend.CredentialStorage
	if cfg.CredentialsFile != "" {
		store, err := backend.NewTomlCredentialStorage(cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		creds = store
	}

	fetcher, err := ghttp.NewHttpFetcher(ghttp.FetcherOptions{
		Proxy:       cfg.Proxy,
		Timeout:     cfg.FetchTimeout(),
		PoolSize:    cfg.UpstreamClients,
		Credentials: creds,
	})
	if err != nil {
		return fmt.Errorf("create http fetcher: %w", err)
	}
	defer fetcher.Close()

	collector := metrics.NewGatewayCollector("")
	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, collector)
		defer stopMetrics()
	}

	srv, err := tftpserver.Listen(ctx, cfg.ListenAddr(), tftpserver.Config{
		URLPrefix:      cfg.URLPrefix,
		Fetcher:        fetcher,
		AckTimeout:     cfg.AckTimeout(),
		MaxRetries:     cfg.MaxRetries,
		ReadBufferSize: cfg.UDPReadBufferSize,
		Metrics:        collector,
	})
	if err != nil {
		return fmt.Errorf("start tftp listener: %w", err)
	}

	if opts.Dashboard {
		display := output.NewMetricsDisplay("t2hproxy gateway", collector)
		if err := display.Start(ctx); err != nil {
			internal.Warn("dashboard unavailable", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
		defer display.Stop()
	}

	internal.Info("gateway ready", internal.Fields{
		internal.FieldKey("address"): srv.Addr().String(),
		internal.FieldURL:            cfg.URLPrefix,
		internal.FieldProxy:          cfg.Proxy,
	})

	serveErr := srv.Serve(ctx)
	drainSessions(srv, opts.DrainTimeout)

	snap := collector.Snapshot()
	internal.Info("gateway stopped", internal.Fields{
		internal.FieldKey("sessions"):        snap.SessionsStarted,
		internal.FieldKey("retransmissions"): snap.Retransmissions,
		internal.FieldBlock:                  snap.BlocksSent,
		internal.FieldBytes:                  snap.BytesSent,
	})
	return serveErr
}

func drainSessions(srv *tftpserver.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		internal.Warn("transfers still running at shutdown", internal.Fields{
			internal.FieldKey("drain_timeout"): timeout.String(),
		})
	}
}

// serveMetrics exposes the collector on addr and returns a func that stops it.
func serveMetrics(addr string, collector *metrics.GatewayCollector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics server stopped", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	}()
	internal.Info("metrics endpoint listening", internal.Fields{
		internal.FieldKey("address"): addr,
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}
}
