// Package config provides configuration loading and validation for the CLI and server.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/therapy-pipeline/internal/encryption"
)

// Config represents the service configuration that can be loaded from a JSON file.
// All fields are optional in the file; missing values use defaults or env overrides.
type Config struct {
	// Storage
	DatabaseURL string   `json:"database_url,omitempty" validate:"omitempty,url"` // PostgreSQL connection URL; empty uses the in-memory store
	S3          S3Config `json:"s3"`

	// Collaborators
	GeminiAPIKey  string       `json:"gemini_api_key,omitempty"`
	Models        ModelsConfig `json:"models"`
	SearchAPIKey  string       `json:"search_api_key,omitempty"`
	SearchCX      string       `json:"search_cx,omitempty"`
	SearchDomains []string     `json:"search_domains,omitempty" validate:"dive,hostname"`

	// EncryptionKey is a 32-byte master key, hex or base64 encoded
	EncryptionKey string `json:"encryption_key,omitempty"`

	// Data files; empty uses the embedded defaults
	VocabularyPath    string `json:"vocabulary_path,omitempty"`
	CompatibilityPath string `json:"compatibility_path,omitempty"`

	// Runner
	Concurrency      int      `json:"concurrency,omitempty" validate:"gte=1,lte=256"`
	StageTimeout     Duration `json:"stage_timeout,omitempty" validate:"gt=0"`
	RunTimeout       Duration `json:"run_timeout,omitempty" validate:"gt=0"`
	RetryMaxAttempts int      `json:"retry_max_attempts,omitempty" validate:"gte=1,lte=10"`
	RetryBaseBackoff Duration `json:"retry_base_backoff,omitempty" validate:"gt=0"`
	RetryMaxBackoff  Duration `json:"retry_max_backoff,omitempty" validate:"gt=0"`

	// Server
	Port           int     `json:"port,omitempty" validate:"gte=1,lte=65535"`
	RateLimitRPS   float64 `json:"rate_limit_rps,omitempty" validate:"gte=0"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty" validate:"gte=0"`

	// Logging
	LogLevel  string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `json:"log_format,omitempty" validate:"omitempty,oneof=json console"`
}

// S3Config selects the S3 blob store when Bucket is set
type S3Config struct {
	Bucket   string `json:"bucket,omitempty"`
	Region   string `json:"region,omitempty" validate:"required_with=Bucket"`
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
	Prefix   string `json:"prefix,omitempty"`
}

// ModelsConfig overrides the model used per tier
type ModelsConfig struct {
	Lite     string `json:"lite,omitempty"`
	Standard string `json:"standard,omitempty"`
	Advanced string `json:"advanced,omitempty"`
}

// Duration is a time.Duration that reads "60s" style strings or whole seconds from JSON
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Concurrency:      4,
		StageTimeout:     Duration(60 * time.Second),
		RunTimeout:       Duration(10 * time.Minute),
		RetryMaxAttempts: 3,
		RetryBaseBackoff: Duration(200 * time.Millisecond),
		RetryMaxBackoff:  Duration(5 * time.Second),
		Port:             8080,
		RateLimitRPS:     5,
		RateLimitBurst:   10,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// (if any), then environment overrides. The result is validated.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg.MergeWithDefaults(cfg)
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables that are set
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.DatabaseURL)
	str("GEMINI_API_KEY", &c.GeminiAPIKey)
	str("GOOGLE_SEARCH_API_KEY", &c.SearchAPIKey)
	str("GOOGLE_SEARCH_CX", &c.SearchCX)
	str("S3_BUCKET", &c.S3.Bucket)
	str("AWS_REGION", &c.S3.Region)
	str("S3_ENDPOINT", &c.S3.Endpoint)
	str("S3_PREFIX", &c.S3.Prefix)
	str("PIPELINE_ENCRYPTION_KEY", &c.EncryptionKey)
	str("VOCABULARY_PATH", &c.VocabularyPath)
	str("COMPATIBILITY_PATH", &c.CompatibilityPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	var errs []error
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be an integer: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be a duration: %w", name, err))
				return
			}
			*dst = Duration(d)
		}
	}
	integer("PORT", &c.Port)
	integer("PIPELINE_CONCURRENCY", &c.Concurrency)
	integer("PIPELINE_RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts)
	duration("PIPELINE_STAGE_TIMEOUT", &c.StageTimeout)
	duration("PIPELINE_RUN_TIMEOUT", &c.RunTimeout)
	if v, ok := lookup("SEARCH_DOMAINS"); ok && v != "" {
		c.SearchDomains = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks that the configuration has valid values.
// Credentials are not required here; each command checks what it needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config error: '%s' failed '%s' validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config error: %w", err)
	}

	if c.RetryBaseBackoff > c.RetryMaxBackoff {
		return fmt.Errorf("config error: 'retry_base_backoff' must not exceed 'retry_max_backoff'")
	}
	if c.StageTimeout > c.RunTimeout {
		return fmt.Errorf("config error: 'stage_timeout' must not exceed 'run_timeout'")
	}
	if c.EncryptionKey != "" {
		if _, err := encryption.ParseKey(c.EncryptionKey); err != nil {
			return fmt.Errorf("config error: 'encryption_key': %w", err)
		}
	}
	if (c.SearchAPIKey == "") != (c.SearchCX == "") {
		return fmt.Errorf("config error: 'search_api_key' and 'search_cx' must be set together")
	}

	// Validate file paths exist (if specified)
	for name, path := range map[string]string{
		"vocabulary_path":    c.VocabularyPath,
		"compatibility_path": c.CompatibilityPath,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("config error: %s not found: %s", name, path)
		}
	}

	return nil
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
// This is used to layer a config file over the built-in defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	mergeString(&result.DatabaseURL, defaults.DatabaseURL)
	mergeString(&result.GeminiAPIKey, defaults.GeminiAPIKey)
	mergeString(&result.SearchAPIKey, defaults.SearchAPIKey)
	mergeString(&result.SearchCX, defaults.SearchCX)
	mergeString(&result.EncryptionKey, defaults.EncryptionKey)
	mergeString(&result.VocabularyPath, defaults.VocabularyPath)
	mergeString(&result.CompatibilityPath, defaults.CompatibilityPath)
	mergeString(&result.LogLevel, defaults.LogLevel)
	mergeString(&result.LogFormat, defaults.LogFormat)
	mergeString(&result.S3.Bucket, defaults.S3.Bucket)
	mergeString(&result.S3.Region, defaults.S3.Region)
	mergeString(&result.S3.Endpoint, defaults.S3.Endpoint)
	mergeString(&result.S3.Prefix, defaults.S3.Prefix)
	mergeString(&result.Models.Lite, defaults.Models.Lite)
	mergeString(&result.Models.Standard, defaults.Models.Standard)
	mergeString(&result.Models.Advanced, defaults.Models.Advanced)
	if len(result.SearchDomains) == 0 {
		result.SearchDomains = defaults.SearchDomains
	}

	// Numeric fields: use default if zero
	mergeNumber(&result.Concurrency, defaults.Concurrency)
	mergeNumber(&result.RetryMaxAttempts, defaults.RetryMaxAttempts)
	mergeNumber(&result.Port, defaults.Port)
	mergeNumber(&result.RateLimitBurst, defaults.RateLimitBurst)
	mergeNumber(&result.RateLimitRPS, defaults.RateLimitRPS)
	mergeNumber(&result.StageTimeout, defaults.StageTimeout)
	mergeNumber(&result.RunTimeout, defaults.RunTimeout)
	mergeNumber(&result.RetryBaseBackoff, defaults.RetryBaseBackoff)
	mergeNumber(&result.RetryMaxBackoff, defaults.RetryMaxBackoff)

	return result
}

func mergeString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func mergeNumber[T int | float64 | Duration](dst *T, def T) {
	if *dst == 0 {
		*dst = def
	}
}
