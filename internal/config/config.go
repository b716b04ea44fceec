package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LABWATCH_"

// Config holds runtime configuration for labwatch.
type Config struct {
	BaseURL   string `env:"BASE_URL" yaml:"base_url"`
	Token     string `env:"TOKEN" yaml:"token"`
	TokenFile string `env:"TOKEN_FILE" yaml:"token_file"`
	Wallet    string `env:"WALLET" yaml:"wallet"`

	PollInterval     time.Duration `env:"POLL_INTERVAL,default=5s" yaml:"poll_interval"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT,default=30s" yaml:"request_timeout"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s" yaml:"handshake_timeout"`
	TerminalStates   []string      `env:"TERMINAL_STATES" yaml:"terminal_states"`

	StatusAddr     string   `env:"STATUS_ADDR" yaml:"status_addr"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" yaml:"cors_allowed_origins"`
	RateLimit      int      `env:"RATE_LIMIT,default=100" yaml:"rate_limit"`

	LogLevel     string `env:"LOG_LEVEL,default=info" yaml:"log_level"`
	LogFormat    string `env:"LOG_FORMAT,default=console" yaml:"log_format"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" yaml:"otlp_endpoint"`

	NATSURL    string `env:"NATS_URL" yaml:"nats_url"`
	NATSStream string `env:"NATS_STREAM,default=LABWATCH" yaml:"nats_stream"`

	DatabaseURL string `env:"DATABASE_URL" yaml:"database_url"`

	DownloadDir   string   `env:"DOWNLOAD_DIR,default=." yaml:"download_dir"`
	AgeRecipients []string `env:"AGE_RECIPIENTS" yaml:"age_recipients"`
	ArchiveDir    string   `env:"ARCHIVE_DIR" yaml:"archive_dir"`

	S3 S3Config `env:", prefix=S3_" yaml:"s3"`
}

// S3Config selects the bucket mirror download sink when Bucket is set.
type S3Config struct {
	Bucket         string        `env:"BUCKET" yaml:"bucket"`
	Prefix         string        `env:"PREFIX,default=labwatch" yaml:"prefix"`
	Endpoint       string        `env:"ENDPOINT" yaml:"endpoint"`
	Region         string        `env:"REGION,default=us-east-1" yaml:"region"`
	AccessKey      string        `env:"ACCESS_KEY" yaml:"access_key"`
	SecretKey      string        `env:"SECRET_KEY" yaml:"secret_key"`
	DisableTLS     bool          `env:"DISABLE_TLS,default=false" yaml:"disable_tls"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE,default=true" yaml:"force_path_style"`
	PresignTTL     time.Duration `env:"PRESIGN_TTL,default=15m" yaml:"presign_ttl"`
}

// Load reads LABWATCH_* variables from the process environment and then
// applies the YAML profile at path, if any.
func Load(ctx context.Context, profile string) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper(), profile)
}

// LoadWith is Load with an explicit lookuper. Keys present in the
// profile override environment values.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper, profile string) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	if profile != "" {
		data, err := os.ReadFile(profile)
		if err != nil {
			return Config{}, fmt.Errorf("read profile: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse profile %s: %w", profile, err)
		}
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base url is required (LABWATCH_BASE_URL)")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base url %q must be an absolute http(s) url", c.BaseURL)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.RequestTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
