// Package config loads and validates captchad configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/gate"
)

// EnvPrefix prefixes environment overrides, e.g. CAPTCHAD_CAPTCHA_API_KEY.
const EnvPrefix = "CAPTCHAD"

// Strategy and source names.
const (
	StrategyPolling = "polling"
	StrategyWebhook = "webhook"

	SourceStore   = "store"
	SourceSidecar = "sidecar"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Captcha    CaptchaConfig               `mapstructure:"captcha"`
	Resilience ResilienceConfig            `mapstructure:"resilience"`
	Sidecar    SidecarConfig               `mapstructure:"sidecar"`
	Store      StoreConfig                 `mapstructure:"store"`
	Archive    ArchiveConfig               `mapstructure:"archive"`
	PubSub     PubSubConfig                `mapstructure:"pubsub"`
	Logging    LoggingConfig               `mapstructure:"logging"`
	Jobs       map[string]gate.JobSettings `mapstructure:"jobs"`
}

// CaptchaConfig selects the provider and the resolution schedule.
type CaptchaConfig struct {
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	Strategy          string        `mapstructure:"strategy"`
	TwoCaptchaBaseURL string        `mapstructure:"twocaptcha_base_url"`
	Method            string        `mapstructure:"method"`
	CapSolverBaseURL  string        `mapstructure:"capsolver_base_url"`
	TaskType          string        `mapstructure:"task_type"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	PollInitial       time.Duration `mapstructure:"poll_initial"`
	PollMax           time.Duration `mapstructure:"poll_max"`
	PollGrowth        float64       `mapstructure:"poll_growth"`
	PollDeadline      time.Duration `mapstructure:"poll_deadline"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	HTTPRetries       int           `mapstructure:"http_retries"`
	WebhookURL        string        `mapstructure:"webhook_url"`
	SolutionSource    string        `mapstructure:"solution_source"`
	SidecarURL        string        `mapstructure:"sidecar_url"`
	SidecarAPIKey     string        `mapstructure:"sidecar_api_key"`
}

// ResilienceConfig tunes retries, circuit breakers and rate limits.
type ResilienceConfig struct {
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
	CircuitThreshold  int           `mapstructure:"circuit_threshold"`
	CircuitCooldown   time.Duration `mapstructure:"circuit_cooldown"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
}

// SidecarConfig controls the webhook receiver.
type SidecarConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Retention         time.Duration `mapstructure:"retention"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	APIKey            string        `mapstructure:"api_key"`
	VerificationToken string        `mapstructure:"verification_token"`
}

// StoreConfig selects the durable solution store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	Table       string `mapstructure:"table"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// ArchiveConfig enables the resolution archive. An empty driver disables it.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the resolution event topic. Empty fields disable it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether events should be published.
func (p PubSubConfig) Enabled() bool {
	return p.TopicName != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk and environment and validates it.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, job := range cfg.Jobs {
		if job.Name == "" {
			job.Name = name
			cfg.Jobs[name] = job
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("captcha.provider", "2captcha")
	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.strategy", StrategyPolling)
	v.SetDefault("captcha.twocaptcha_base_url", "https://2captcha.com")
	v.SetDefault("captcha.method", "userrecaptcha")
	v.SetDefault("captcha.capsolver_base_url", "https://api.capsolver.com")
	v.SetDefault("captcha.task_type", "ReCaptchaV2TaskProxyLess")
	v.SetDefault("captcha.token_ttl", 110*time.Second)
	v.SetDefault("captcha.poll_initial", 4*time.Second)
	v.SetDefault("captcha.poll_max", 45*time.Second)
	v.SetDefault("captcha.poll_growth", 1.6)
	v.SetDefault("captcha.poll_deadline", 180*time.Second)
	v.SetDefault("captcha.http_timeout", 15*time.Second)
	v.SetDefault("captcha.http_retries", 2)
	v.SetDefault("captcha.webhook_url", "http://127.0.0.1:6801/webhook")
	v.SetDefault("captcha.solution_source", SourceStore)
	v.SetDefault("captcha.sidecar_url", "http://127.0.0.1:6801")
	v.SetDefault("captcha.sidecar_api_key", "")

	v.SetDefault("resilience.backoff_base", time.Second)
	v.SetDefault("resilience.backoff_max", 60*time.Second)
	v.SetDefault("resilience.backoff_multiplier", 2.0)
	v.SetDefault("resilience.jitter", 0.1)
	v.SetDefault("resilience.circuit_threshold", 5)
	v.SetDefault("resilience.circuit_cooldown", 60*time.Second)
	v.SetDefault("resilience.rate_limit_rps", 0.0)
	v.SetDefault("resilience.rate_limit_burst", 1)

	v.SetDefault("sidecar.host", "0.0.0.0")
	v.SetDefault("sidecar.port", 6801)
	v.SetDefault("sidecar.retention", 3600*time.Second)
	v.SetDefault("sidecar.sweep_interval", 3600*time.Second)
	v.SetDefault("sidecar.api_key", "")
	v.SetDefault("sidecar.verification_token", "")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "webhook_solutions.db")
	v.SetDefault("store.table", "captcha_solutions")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("archive.driver", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.prefix", "resolutions")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits shared by every
// command. Failures are configuration errors.
func (c Config) Validate() error {
	checks := []struct {
		bad bool
		msg string
	}{
		{c.Captcha.Strategy != StrategyPolling && c.Captcha.Strategy != StrategyWebhook,
			fmt.Sprintf("captcha.strategy must be %q or %q", StrategyPolling, StrategyWebhook)},
		{c.Captcha.TokenTTL <= 0, "captcha.token_ttl must be > 0"},
		{c.Captcha.PollInitial <= 0, "captcha.poll_initial must be > 0"},
		{c.Captcha.PollMax < c.Captcha.PollInitial, "captcha.poll_max must be >= captcha.poll_initial"},
		{c.Captcha.PollGrowth < 1, "captcha.poll_growth must be >= 1"},
		{c.Captcha.PollDeadline <= 0, "captcha.poll_deadline must be > 0"},
		{c.Captcha.HTTPTimeout <= 0, "captcha.http_timeout must be > 0"},
		{c.Captcha.HTTPRetries < 0, "captcha.http_retries must be >= 0"},
		{c.Captcha.SolutionSource != SourceStore && c.Captcha.SolutionSource != SourceSidecar,
			fmt.Sprintf("captcha.solution_source must be %q or %q", SourceStore, SourceSidecar)},
		{c.Captcha.Strategy == StrategyWebhook && c.Captcha.WebhookURL == "",
			"captcha.webhook_url is required for the webhook strategy"},
		{c.Captcha.Strategy == StrategyWebhook && c.Captcha.SolutionSource == SourceSidecar && c.Captcha.SidecarURL == "",
			"captcha.sidecar_url is required when reading solutions from the sidecar"},

		{c.Resilience.BackoffBase <= 0, "resilience.backoff_base must be > 0"},
		{c.Resilience.BackoffMax < c.Resilience.BackoffBase, "resilience.backoff_max must be >= resilience.backoff_base"},
		{c.Resilience.BackoffMultiplier < 1, "resilience.backoff_multiplier must be >= 1"},
		{c.Resilience.Jitter < 0 || c.Resilience.Jitter > 1, "resilience.jitter must be within [0, 1]"},
		{c.Resilience.CircuitThreshold < 0, "resilience.circuit_threshold must be >= 0"},
		{c.Resilience.CircuitThreshold > 0 && c.Resilience.CircuitCooldown <= 0,
			"resilience.circuit_cooldown must be > 0 when the circuit breaker is enabled"},
		{c.Resilience.RateLimitRPS < 0, "resilience.rate_limit_rps must be >= 0"},
		{c.Resilience.RateLimitBurst < 1, "resilience.rate_limit_burst must be >= 1"},

		{c.Sidecar.Port <= 0 || c.Sidecar.Port > 65535, "sidecar.port must be within 1-65535"},
		{c.Sidecar.Retention <= 0, "sidecar.retention must be > 0"},
		{c.Sidecar.SweepInterval < 0, "sidecar.sweep_interval must be >= 0"},

		{!oneOf(c.Store.Driver, "memory", "sqlite", "postgres"), "store.driver must be memory, sqlite or postgres"},
		{c.Store.Driver == "sqlite" && c.Store.SQLitePath == "", "store.sqlite_path is required for the sqlite driver"},
		{c.Store.Driver == "postgres" && c.Store.PostgresDSN == "", "store.postgres_dsn is required for the postgres driver"},

		{!oneOf(c.Archive.Driver, "", "memory", "local", "gcs"), "archive.driver must be empty, memory, local or gcs"},
		{c.Archive.Driver == "local" && c.Archive.BaseDir == "", "archive.base_dir is required for the local driver"},
		{c.Archive.Driver == "gcs" && c.Archive.Bucket == "", "archive.bucket is required for the gcs driver"},

		{c.PubSub.Enabled() && c.PubSub.ProjectID == "", "pubsub.project_id is required when pubsub.topic_name is set"},
	}
	for _, check := range checks {
		if check.bad {
			return captcha.Configuration("validate config", check.msg)
		}
	}
	return nil
}

// ValidateResolver checks the settings only resolving commands need.
func (c Config) ValidateResolver() error {
	if strings.TrimSpace(c.Captcha.Provider) == "" {
		return captcha.Configuration("validate config", "captcha.provider is required")
	}
	if strings.TrimSpace(c.Captcha.APIKey) == "" {
		return captcha.Configuration("validate config", "captcha.api_key is required")
	}
	return nil
}

// Job returns the settings of the named job.
func (c Config) Job(name string) (gate.JobSettings, error) {
	job, ok := c.Jobs[strings.ToLower(name)]
	if !ok {
		return gate.JobSettings{}, captcha.Configuration("lookup job", fmt.Sprintf("unknown job %q", name))
	}
	return job, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
