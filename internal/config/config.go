// Package config provides the run configuration for the conformance engine.
// A YAML file supplies the bulk of the settings; MODI_* environment
// variables override the target and credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// EnvPrefix is the prefix of environment overrides, e.g. MODI_BASEURL.
const EnvPrefix = "MODI"

// Config is the root configuration structure.
type Config struct {
	// Name is a descriptive name for this run configuration.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Target is the API under test.
	Target TargetConfig `yaml:"target" json:"target"`

	// Auth holds the credentials used for authenticated requests.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Retry configures the retry of timed out calls.
	Retry RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Contract locates the OpenAPI document.
	Contract ContractConfig `yaml:"contract" json:"contract"`

	// Catalog locates the resource catalog.
	Catalog CatalogConfig `yaml:"catalog,omitempty" json:"catalog,omitempty"`

	// Scenarios selects and tunes the generated scenarios.
	Scenarios ScenarioConfig `yaml:"scenarios,omitempty" json:"scenarios,omitempty"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log,omitempty" json:"log,omitempty"`

	// Output configures report rendering.
	Output OutputConfig `yaml:"output,omitempty" json:"output,omitempty"`

	// Prometheus configures the metrics endpoint.
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`

	// History configures the run history store.
	History HistoryConfig `yaml:"history,omitempty" json:"history,omitempty"`

	// Publish configures remote report publication.
	Publish PublishConfig `yaml:"publish,omitempty" json:"publish,omitempty"`

	// Telemetry configures OpenTelemetry tracing.
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// TargetConfig holds target system configuration.
type TargetConfig struct {
	// BaseURL is the base URL of the API, e.g. "https://api.example.com/v1".
	// Env: MODI_BASEURL
	BaseURL string `yaml:"baseURL" json:"baseURL" validate:"required,url"`

	// Timeout is the per-call timeout.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gt=0"`

	// TLSSkipVerify skips TLS certificate verification (for testing only).
	TLSSkipVerify bool `yaml:"tlsSkipVerify,omitempty" json:"tlsSkipVerify,omitempty"`

	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// QPS caps the request rate across all scenarios. Zero disables pacing.
	QPS float64 `yaml:"qps,omitempty" json:"qps,omitempty" validate:"gte=0"`

	// Burst is the token bucket size used with QPS.
	// Default: 1
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty" validate:"gte=0"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Type is "basic" or "none".
	// Default: "basic"
	Type string `yaml:"type,omitempty" json:"type,omitempty" validate:"oneof=basic none"`

	// Username for basic auth. Env: MODI_USERNAME
	Username string `yaml:"username,omitempty" json:"username,omitempty" validate:"required_if=Type basic"`

	// Password for basic auth. Env: MODI_PASSWORD
	Password string `yaml:"password,omitempty" json:"-" validate:"required_if=Type basic"`
}

// RetryConfig configures how timed out calls are retried.
type RetryConfig struct {
	// MaxRetries is the number of retries after a timeout. 0 disables
	// retries.
	// Default: 1
	MaxRetries *int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty" validate:"omitempty,gte=0,lte=1"`

	// Delay is the backoff before the first retry.
	// Default: 500ms
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`

	// MaxDelay caps the backoff.
	// Default: 5s
	MaxDelay time.Duration `yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
}

// Retries returns MaxRetries, or 1 when unset.
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 1
	}
	return *r.MaxRetries
}

// ContractConfig locates the OpenAPI document.
type ContractConfig struct {
	// Path is a local OpenAPI 3 or Swagger 2 document, YAML or JSON.
	// Env: MODI_CONTRACT
	// Default: "api/openapi.yaml"
	Path string `yaml:"path" json:"path" validate:"required"`
}

// CatalogConfig locates the resource catalog.
type CatalogConfig struct {
	// Path is a YAML catalog. Empty selects the built-in catalog.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// ScenarioConfig selects and tunes the generated scenarios.
type ScenarioConfig struct {
	// Concurrency is the number of scenarios run in parallel.
	// Env: MODI_CONCURRENCY
	// Default: 4
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"gte=1"`

	// Resources restricts the run to these resources. Empty means all.
	Resources []string `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Operations restricts the run to these verbs. Empty means all.
	Operations []string `yaml:"operations,omitempty" json:"operations,omitempty" validate:"dive,oneof=POST GET PATCH DELETE"`

	// MissingID is the identifier used by not-found cases.
	// Default: "00000"
	MissingID string `yaml:"missingID,omitempty" json:"missingID,omitempty"`

	// InvalidBody is the JSON sent by invalid-body cases.
	// Default: {"invalid":"invalid"}
	InvalidBody string `yaml:"invalidBody,omitempty" json:"invalidBody,omitempty"`

	// DisableCascade creates every dependency explicitly instead of using
	// server-side auto-create flags.
	DisableCascade bool `yaml:"disableCascade,omitempty" json:"disableCascade,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Env: MODI_LOG_LEVEL
	// Default: "info"
	Level string `yaml:"level,omitempty" json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is console or json.
	// Default: "console"
	Format string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=console json"`

	// Output is stdout, stderr or a file path.
	// Default: "stderr"
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// OutputConfig configures report output.
type OutputConfig struct {
	// Formats lists report formats: "console", "json".
	// Default: ["console"]
	Formats []string `yaml:"formats,omitempty" json:"formats,omitempty" validate:"dive,oneof=console json"`

	// File is where the JSON report is written.
	// Default: "conformance-report.json"
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// PrometheusConfig configures the metrics endpoint.
type PrometheusConfig struct {
	// Enabled starts the metrics endpoint for the duration of the run.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Port is the HTTP port for the metrics endpoint.
	// Default: 9090
	Port int `yaml:"port,omitempty" json:"port,omitempty" validate:"gte=0,lte=65535"`

	// Path is the URL path for the metrics endpoint.
	// Default: /metrics
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	// Driver is "sqlite" or "postgres". Empty disables history.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty" validate:"omitempty,oneof=sqlite postgres"`

	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn,omitempty" json:"-" validate:"required_with=Driver"`
}

// PublishConfig configures remote report publication.
type PublishConfig struct {
	// S3 uploads the JSON report to an S3-compatible bucket.
	S3 *S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket       string `yaml:"bucket" json:"bucket" validate:"required"`
	Prefix       string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region       string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey    string `yaml:"accessKey,omitempty" json:"-"`
	SecretKey    string `yaml:"secretKey,omitempty" json:"-"`
	UsePathStyle bool   `yaml:"usePathStyle,omitempty" json:"usePathStyle,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"required_if=Enabled true"`

	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`

	// ServiceName defaults to "modi-conform".
	ServiceName string `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`

	// SamplingRatio in [0,1].
	// Default: 1
	SamplingRatio float64 `yaml:"samplingRatio,omitempty" json:"samplingRatio,omitempty" validate:"gte=0,lte=1"`

	// Logs also ships log entries to the collector.
	Logs bool `yaml:"logs,omitempty" json:"logs,omitempty"`
}

// Load reads path (when non-empty), overlays MODI_* environment variables,
// applies defaults and validates the result.
//
// Priority (highest to lowest):
// 1. Environment variables with MODI_ prefix (e.g., MODI_PASSWORD)
// 2. the YAML file
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	ApplyEnv(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile parses a YAML file without applying env or defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML configuration.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// ApplyEnv overlays MODI_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("baseurl"); s != "" {
		cfg.Target.BaseURL = s
	}
	if s := v.GetString("username"); s != "" {
		cfg.Auth.Username = s
	}
	if s := v.GetString("password"); s != "" {
		cfg.Auth.Password = s
	}
	if s := v.GetString("contract"); s != "" {
		cfg.Contract.Path = s
	}
	if n := v.GetInt("concurrency"); n > 0 {
		cfg.Scenarios.Concurrency = n
	}
	if s := v.GetString("log.level"); s != "" {
		cfg.Log.Level = s
	}
	if d := v.GetDuration("timeout"); d > 0 {
		cfg.Target.Timeout = d
	}
}

// ApplyDefaults sets default values for any empty config fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "modi-conformance"
	}
	if c.Target.Timeout == 0 {
		c.Target.Timeout = 30 * time.Second
	}
	if c.Target.QPS > 0 && c.Target.Burst == 0 {
		c.Target.Burst = 1
	}
	if c.Auth.Type == "" {
		c.Auth.Type = "basic"
	}
	if c.Retry.MaxRetries == nil {
		retries := 1
		c.Retry.MaxRetries = &retries
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Contract.Path == "" {
		c.Contract.Path = "api/openapi.yaml"
	}
	if c.Scenarios.Concurrency == 0 {
		c.Scenarios.Concurrency = 4
	}
	if c.Scenarios.MissingID == "" {
		c.Scenarios.MissingID = "00000"
	}
	if c.Scenarios.InvalidBody == "" {
		c.Scenarios.InvalidBody = `{"invalid":"invalid"}`
	}
	for i, op := range c.Scenarios.Operations {
		c.Scenarios.Operations[i] = strings.ToUpper(op)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if len(c.Output.Formats) == 0 {
		c.Output.Formats = []string{"console"}
	}
	if c.Output.File == "" {
		c.Output.File = "conformance-report.json"
	}
	if c.Prometheus.Port == 0 {
		c.Prometheus.Port = 9090
	}
	if c.Prometheus.Path == "" {
		c.Prometheus.Path = "/metrics"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "modi-conform"
	}
	if c.Telemetry.Enabled && c.Telemetry.SamplingRatio == 0 {
		c.Telemetry.SamplingRatio = 1
	}
	if s3 := c.Publish.S3; s3 != nil && s3.Region == "" {
		s3.Region = "us-east-1"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Retry.MaxDelay < c.Retry.Delay {
		return fmt.Errorf("%w: retry.maxDelay (%s) is shorter than retry.delay (%s)", ErrInvalidConfig, c.Retry.MaxDelay, c.Retry.Delay)
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.Password != "" {
		out.Auth.Password = "****"
	}
	if out.History.DSN != "" {
		out.History.DSN = "****"
	}
	return out
}
