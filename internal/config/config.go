package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultProjectsSource   = "file"
	DefaultProjectsPath     = "projects.yaml"
	DefaultDocumentsRoot    = "data/documents"
	DefaultMaxDownloadBytes = 50 * 1024 * 1024
	DefaultAnswerURL        = "http://127.0.0.1:8000"
	DefaultAnswerTimeout    = 120
	DefaultRefreshSchedule  = "@every 1m"
	DefaultIdleDelay        = "1s"
	DefaultFailureDelay     = "5s"
	DefaultAuthFailureDelay = "1m"
	DefaultStopTimeout      = "15s"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "orchestrator"
	DefaultPGSSLMode        = "disable"
)

// Projects sources.
const (
	ProjectsSourceFile     = "file"
	ProjectsSourcePostgres = "postgres"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Projects  ProjectsConfig  `toml:"projects"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Documents DocumentsConfig `toml:"documents"`
	Answer    AnswerConfig    `toml:"answer"`
	Refresh   RefreshConfig   `toml:"refresh"`
	Runner    RunnerConfig    `toml:"runner"`
	Channels  ChannelsConfig  `toml:"channels"`
	Prompts   PromptsConfig   `toml:"prompts"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	// Addr serves the read-only health and status endpoints. Empty disables them.
	Addr string `toml:"addr"`
}

type ProjectsConfig struct {
	Source string `toml:"source" validate:"oneof=file postgres"`
	Path   string `toml:"path" validate:"required_if=Source file"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"gt=0,lte=65535"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders a postgres:// connection URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(c.SSLMode)
	}
	return u.String()
}

type DocumentsConfig struct {
	Root             string `toml:"root" validate:"required"`
	MaxDownloadBytes int64  `toml:"max_download_bytes" validate:"gt=0"`
}

type AnswerConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gt=0"`
}

func (c AnswerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RefreshConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 1m" or "*/5 * * * *".
	Schedule string `toml:"schedule" validate:"required"`
}

type RunnerConfig struct {
	IdleDelay           string `toml:"idle_delay"`
	FailureDelay        string `toml:"failure_delay"`
	AuthFailureDelay    string `toml:"auth_failure_delay"`
	StopTimeout         string `toml:"stop_timeout"`
	DisableConfirmation bool   `toml:"disable_confirmation"`
}

// Durations parses the runner delays.
func (c RunnerConfig) Durations() (idle, failure, authFailure, stop time.Duration, err error) {
	if idle, err = parseDuration("runner.idle_delay", c.IdleDelay); err != nil {
		return
	}
	if failure, err = parseDuration("runner.failure_delay", c.FailureDelay); err != nil {
		return
	}
	if authFailure, err = parseDuration("runner.auth_failure_delay", c.AuthFailureDelay); err != nil {
		return
	}
	stop, err = parseDuration("runner.stop_timeout", c.StopTimeout)
	return
}

type ChannelsConfig struct {
	// Enabled lists the platforms that get a hub.
	Enabled []string `toml:"enabled" validate:"min=1,dive,oneof=telegram vk max discord"`
}

type PromptsConfig struct {
	OfferHeader    string `toml:"offer_header"`
	OfferQuestion  string `toml:"offer_question"`
	Declined       string `toml:"declined"`
	FallbackHeader string `toml:"fallback_header"`
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Projects: ProjectsConfig{
			Source: DefaultProjectsSource,
			Path:   DefaultProjectsPath,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Documents: DocumentsConfig{
			Root:             DefaultDocumentsRoot,
			MaxDownloadBytes: DefaultMaxDownloadBytes,
		},
		Answer: AnswerConfig{
			BaseURL:        DefaultAnswerURL,
			TimeoutSeconds: DefaultAnswerTimeout,
		},
		Refresh: RefreshConfig{
			Schedule: DefaultRefreshSchedule,
		},
		Runner: RunnerConfig{
			IdleDelay:        DefaultIdleDelay,
			FailureDelay:     DefaultFailureDelay,
			AuthFailureDelay: DefaultAuthFailureDelay,
			StopTimeout:      DefaultStopTimeout,
		},
		Channels: ChannelsConfig{
			Enabled: []string{"telegram", "vk", "max", "discord"},
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file yields
// the defaults. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks field constraints and duration syntax.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, _, _, err := c.Runner.Durations(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
