package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"labwatch/internal/config"
	"labwatch/pkg/backend"
	"labwatch/pkg/bus"
	"labwatch/pkg/db"
	"labwatch/pkg/metrics"
	gos3 "labwatch/pkg/s3"
	"labwatch/pkg/telemetry"
	"labwatch/services/artifacts"
	"labwatch/services/console"
	"labwatch/services/history"
)

const serviceName = "labwatch"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags override values from the environment and the profile.
type globalFlags struct {
	profile   string
	baseURL   string
	token     string
	tokenFile string
	wallet    string
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           "labwatch",
		Short:         "Follow lab jobs, their checkpoints, logs and artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.profile, "profile", "", "YAML profile overriding LABWATCH_* variables")
	pf.StringVar(&flags.baseURL, "base-url", "", "Backend base URL")
	pf.StringVar(&flags.token, "token", "", "Bearer token for authenticated endpoints")
	pf.StringVar(&flags.tokenFile, "token-file", "", "File holding the bearer token, reread on every request")
	pf.StringVar(&flags.wallet, "wallet", "", "Wallet address of the signed-in user")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (console or json)")

	cmd.AddCommand(newWatchCommand(&flags))
	cmd.AddCommand(newLogsCommand(&flags))
	cmd.AddCommand(newDownloadCommand(&flags))
	cmd.AddCommand(newToolsCommand(&flags))
	cmd.AddCommand(newEventsCommand(&flags))
	cmd.AddCommand(newHistoryCommand(&flags))
	return cmd
}

// app holds what every command builds from configuration.
type app struct {
	cfg        config.Config
	logger     zerolog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	middleware func(http.Handler) http.Handler
	closers    []func()
}

func loadConfig(ctx context.Context, flags *globalFlags) (config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(ctx, flags.profile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if flags.baseURL != "" {
		cfg.BaseURL = flags.baseURL
	}
	if flags.token != "" {
		cfg.Token = flags.token
	}
	if flags.tokenFile != "" {
		cfg.TokenFile = flags.tokenFile
	}
	if flags.wallet != "" {
		cfg.Wallet = flags.wallet
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	return cfg, nil
}

// newApp loads configuration and starts logging, tracing and metrics.
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		return nil, err
	}

	shutdown, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		OTLPEndpoint: cfg.OTLPEndpoint,
		LogLevel:     cfg.LogLevel,
		LogFormat:    cfg.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		metrics:    m,
		middleware: middleware,
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	})
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) tokens() backend.TokenProvider {
	if a.cfg.TokenFile != "" {
		return backend.FileToken{Path: a.cfg.TokenFile}
	}
	return backend.StaticToken(a.cfg.Token)
}

func (a *app) client() (*backend.Client, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	hc := &http.Client{
		Timeout:   a.cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return backend.NewClient(a.cfg.BaseURL, a.tokens(), backend.WithHTTPClient(hc))
}

// bus connects to NATS and makes sure the event stream exists. It
// returns nil when no NATS URL is configured.
func (a *app) bus() (*bus.Bus, error) {
	if strings.TrimSpace(a.cfg.NATSURL) == "" {
		return nil, nil
	}
	b, err := bus.New(a.cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	if err := b.EnsureStream(a.cfg.NATSStream, console.Subjects(), 7*24*time.Hour); err != nil {
		b.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", a.cfg.NATSStream, err)
	}
	a.onClose(b.Close)
	return b, nil
}

func (a *app) database(ctx context.Context) (*db.DB, error) {
	handle, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := handle.Migrate(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.onClose(handle.Close)
	return handle, nil
}

// history returns the Postgres store when a database is configured and
// an in-memory store otherwise.
func (a *app) history(ctx context.Context) (history.Store, error) {
	if strings.TrimSpace(a.cfg.DatabaseURL) == "" {
		return history.NewMemoryStore(), nil
	}
	handle, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	return history.NewPostgresStore(handle)
}

// sink mirrors to S3 when a bucket is configured and saves to the
// download directory otherwise.
func (a *app) sink(ctx context.Context, dir string) (artifacts.Sink, error) {
	s3cfg := a.cfg.S3
	if strings.TrimSpace(s3cfg.Bucket) == "" {
		if dir == "" {
			dir = a.cfg.DownloadDir
		}
		return artifacts.DirSink{Dir: dir}, nil
	}
	client, err := gos3.New(ctx, gos3.Options{
		Endpoint:       s3cfg.Endpoint,
		Region:         s3cfg.Region,
		AccessKey:      s3cfg.AccessKey,
		SecretKey:      s3cfg.SecretKey,
		DisableTLS:     s3cfg.DisableTLS,
		ForcePathStyle: s3cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return artifacts.S3Sink{
		Store:      client,
		Bucket:     s3cfg.Bucket,
		Prefix:     s3cfg.Prefix,
		PresignTTL: s3cfg.PresignTTL,
	}, nil
}

func (a *app) recipients(extra []string) ([]age.Recipient, error) {
	values := append(append([]string(nil), a.cfg.AgeRecipients...), extra...)
	return artifacts.ParseRecipients(values)
}
