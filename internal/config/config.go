// Package config loads the server configuration from a TOML or YAML file with
// BUILDHOOK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PayloadType selects how a declared payload entry is consumed.
type PayloadType string

const (
	PayloadEnv   PayloadType = "env"
	PayloadParam PayloadType = "param"
	PayloadFile  PayloadType = "file"
)

// AuthType selects which authorization checks guard mutating requests.
type AuthType string

const (
	AuthToken   AuthType = "token"
	AuthAddress AuthType = "address"
	AuthBoth    AuthType = "both"
)

// AddressType selects how remote addresses are compared.
type AddressType string

const (
	AddressIP       AddressType = "ip"
	AddressHostname AddressType = "hostname"
)

// MinFlushInterval is the floor applied to project.flush_interval.
const MinFlushInterval = 500 * time.Millisecond

// Config holds all configuration values for the server.
type Config struct {
	Name         string `mapstructure:"name" yaml:"name" toml:"name"`
	Port         int    `mapstructure:"port" yaml:"port" toml:"port"`
	MetricsPort  int    `mapstructure:"metrics_port" yaml:"metrics_port" toml:"metrics_port"`
	LogPath      string `mapstructure:"log_path" yaml:"log_path" toml:"log_path"`
	EnableLogs   bool   `mapstructure:"enable_logs" yaml:"enable_logs" toml:"enable_logs"`
	LogLevel     string `mapstructure:"log_level" yaml:"log_level" toml:"log_level"`
	TokenPath    string `mapstructure:"token_path" yaml:"token_path" toml:"token_path"`
	DatabaseURL  string `mapstructure:"database_url" yaml:"database_url,omitempty" toml:"database_url,omitempty"`
	OTELEndpoint string `mapstructure:"otel_endpoint" yaml:"otel_endpoint,omitempty" toml:"otel_endpoint,omitempty"`

	SSL     SSLConfig     `mapstructure:"ssl" yaml:"ssl" toml:"ssl"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth" toml:"auth"`
	Project ProjectConfig `mapstructure:"project" yaml:"project" toml:"project"`
}

// SSLConfig enables HTTPS.
type SSLConfig struct {
	EnableSSL          bool   `mapstructure:"enable_ssl" yaml:"enable_ssl" toml:"enable_ssl"`
	CertificatePath    string `mapstructure:"certificate_path" yaml:"certificate_path" toml:"certificate_path"`
	CertificateKeyPath string `mapstructure:"certificate_key_path" yaml:"certificate_key_path" toml:"certificate_key_path"`
}

// AuthConfig lists who may call the mutating endpoints.
type AuthConfig struct {
	AuthType         AuthType    `mapstructure:"auth_type" yaml:"auth_type" toml:"auth_type"`
	AddressType      AddressType `mapstructure:"address_type" yaml:"address_type" toml:"address_type"`
	AllowedAddresses []string    `mapstructure:"allowed_addresses" yaml:"allowed_addresses" toml:"allowed_addresses"`
	AllowedTokens    []string    `mapstructure:"allowed_tokens" yaml:"allowed_tokens" toml:"allowed_tokens"`
}

// ProjectConfig describes the project being built and the queue policy.
type ProjectConfig struct {
	ProjectPath     string      `mapstructure:"project_path" yaml:"project_path" toml:"project_path"`
	Shell           string      `mapstructure:"shell" yaml:"shell" toml:"shell"`
	MaxPendingBuild int         `mapstructure:"max_pending_build" yaml:"max_pending_build" toml:"max_pending_build"`
	NextBuildDelay  int         `mapstructure:"next_build_delay" yaml:"next_build_delay" toml:"next_build_delay"` // seconds
	FlushInterval   int         `mapstructure:"flush_interval" yaml:"flush_interval" toml:"flush_interval"`       // milliseconds
	RateLimit       float64     `mapstructure:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	RateLimitBurst  int         `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	Build           BuildConfig `mapstructure:"build" yaml:"build" toml:"build"`
}

// BuildConfig is the step sequence and payload contract of a build.
type BuildConfig struct {
	UniqueBuildKey        string          `mapstructure:"unique_build_key" yaml:"unique_build_key" toml:"unique_build_key"`
	Payload               []Payload       `mapstructure:"payload" yaml:"payload" toml:"payload"`
	OnSuccessFailure      string          `mapstructure:"on_success_failure" yaml:"on_success_failure" toml:"on_success_failure"`
	OnSuccessErrorPayload []Payload       `mapstructure:"on_success_error_payload" yaml:"on_success_error_payload" toml:"on_success_error_payload"`
	CollectorTimeout      int             `mapstructure:"collector_timeout" yaml:"collector_timeout" toml:"collector_timeout"` // seconds
	RetryBackoff          int             `mapstructure:"retry_backoff" yaml:"retry_backoff" toml:"retry_backoff"`             // seconds
	Commands              []CommandConfig `mapstructure:"commands" yaml:"commands" toml:"commands"`
	RunOnSuccess          []CommandConfig `mapstructure:"run_on_success" yaml:"run_on_success" toml:"run_on_success"`
	RunOnFailure          []CommandConfig `mapstructure:"run_on_failure" yaml:"run_on_failure" toml:"run_on_failure"`
}

// Payload declares one payload entry. Key1 is the submitted key; Key2
// optionally overrides the env name or file path.
type Payload struct {
	Type PayloadType `mapstructure:"type" yaml:"type" toml:"type"`
	Key1 string      `mapstructure:"key1" yaml:"key1" toml:"key1"`
	Key2 string      `mapstructure:"key2" yaml:"key2,omitempty" toml:"key2,omitempty"`
}

// Target returns Key2 when set, else Key1.
func (p Payload) Target() string {
	if p.Key2 != "" {
		return p.Key2
	}
	return p.Key1
}

// CommandConfig is one shell step.
type CommandConfig struct {
	Command      string   `mapstructure:"command" yaml:"command" toml:"command"`
	Title        string   `mapstructure:"title" yaml:"title" toml:"title"`
	ExtractEnvs  []string `mapstructure:"extract_envs" yaml:"extract_envs,omitempty" toml:"extract_envs,omitempty"`
	AbortOnError *bool    `mapstructure:"abort_on_error" yaml:"abort_on_error,omitempty" toml:"abort_on_error,omitempty"`
	SendToSock   *bool    `mapstructure:"send_to_sock" yaml:"send_to_sock,omitempty" toml:"send_to_sock,omitempty"`
}

// AbortsOnError defaults to true.
func (c CommandConfig) AbortsOnError() bool {
	return c.AbortOnError == nil || *c.AbortOnError
}

// Publishes defaults to true.
func (c CommandConfig) Publishes() bool {
	return c.SendToSock == nil || *c.SendToSock
}

// FlushEvery returns the capture flush period with the 500ms floor applied.
func (p ProjectConfig) FlushEvery() time.Duration {
	d := time.Duration(p.FlushInterval) * time.Millisecond
	if d < MinFlushInterval {
		return MinFlushInterval
	}
	return d
}

// BuildDelay returns the pause between two queued builds.
func (p ProjectConfig) BuildDelay() time.Duration {
	return time.Duration(p.NextBuildDelay) * time.Second
}

// Timeout returns the collector request timeout.
func (b BuildConfig) Timeout() time.Duration {
	return time.Duration(b.CollectorTimeout) * time.Second
}

// Backoff returns the pause before the single notification retry.
func (b BuildConfig) Backoff() time.Duration {
	return time.Duration(b.RetryBackoff) * time.Second
}

// Load reads configuration from the given file (or buildhook.{toml,yaml} in
// the working directory when path is empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("name", "buildhook")
	v.SetDefault("port", 8080)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("log_path", "logs")
	v.SetDefault("enable_logs", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("token_path", ".buildhook_token")
	v.SetDefault("database_url", "")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("ssl.enable_ssl", false)
	v.SetDefault("ssl.certificate_path", "")
	v.SetDefault("ssl.certificate_key_path", "")
	v.SetDefault("auth.auth_type", string(AuthToken))
	v.SetDefault("auth.address_type", string(AddressIP))
	v.SetDefault("project.project_path", "")
	v.SetDefault("project.shell", "sh")
	v.SetDefault("project.max_pending_build", 10)
	v.SetDefault("project.next_build_delay", 0)
	v.SetDefault("project.flush_interval", 1000)
	v.SetDefault("project.rate_limit", 0)
	v.SetDefault("project.rate_limit_burst", 5)
	v.SetDefault("project.build.unique_build_key", "")
	v.SetDefault("project.build.on_success_failure", "")
	v.SetDefault("project.build.collector_timeout", 20)
	v.SetDefault("project.build.retry_backoff", 10)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("buildhook")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BUILDHOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the build engine cannot run without.
func (c *Config) Validate() error {
	if c.Project.ProjectPath == "" {
		return fmt.Errorf("project.project_path is required (env: BUILDHOOK_PROJECT_PROJECT_PATH)")
	}
	if c.Project.Build.UniqueBuildKey == "" {
		return fmt.Errorf("project.build.unique_build_key is required")
	}
	if len(c.Project.Build.Commands) == 0 {
		return fmt.Errorf("project.build.commands must declare at least one command")
	}
	if c.Project.MaxPendingBuild < 1 {
		return fmt.Errorf("project.max_pending_build must be positive, got %d", c.Project.MaxPendingBuild)
	}
	switch c.Auth.AuthType {
	case AuthToken, AuthAddress, AuthBoth:
	default:
		return fmt.Errorf("invalid auth.auth_type %q", c.Auth.AuthType)
	}
	switch c.Auth.AddressType {
	case AddressIP, AddressHostname:
	default:
		return fmt.Errorf("invalid auth.address_type %q", c.Auth.AddressType)
	}
	for _, list := range [][]Payload{c.Project.Build.Payload, c.Project.Build.OnSuccessErrorPayload} {
		for _, p := range list {
			switch p.Type {
			case PayloadEnv, PayloadParam, PayloadFile:
			default:
				return fmt.Errorf("invalid payload type %q for key %q", p.Type, p.Key1)
			}
			if p.Key1 == "" {
				return fmt.Errorf("payload entry of type %q is missing key1", p.Type)
			}
		}
	}
	return nil
}
