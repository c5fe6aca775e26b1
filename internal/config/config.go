// Package config loads reconciler settings from an optional YAML file and the
// environment. The deployment's existing variable names (AQ_URL, RABBIT_HOST,
// OPENSTACK_AUTH_URL, ...) are bound directly; every other key can be set as
// RECONCILER_<SECTION>_<KEY>.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config is the complete reconciler configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	OnFailure string          `mapstructure:"on_failure"`
	CMDB      CMDBConfig      `mapstructure:"cmdb"`
	Rabbit    RabbitConfig    `mapstructure:"rabbit"`
	OpenStack OpenStackConfig `mapstructure:"openstack"`
	Kerberos  KerberosConfig  `mapstructure:"kerberos"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

type CMDBConfig struct {
	URL           string        `mapstructure:"url"`
	Prefix        string        `mapstructure:"prefix"`
	Model         string        `mapstructure:"model"`
	CABundle      string        `mapstructure:"ca_bundle"`
	RetryMax      int           `mapstructure:"retry_max"`
	BackoffFactor time.Duration `mapstructure:"backoff_factor"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

type RabbitConfig struct {
	// Hosts is a comma-separated list, tried in order.
	Hosts    string `mapstructure:"hosts"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Queue    string `mapstructure:"queue"`
	Exchange string `mapstructure:"exchange"`
	Prefetch int    `mapstructure:"prefetch"`
}

type OpenStackConfig struct {
	AuthURL       string `mapstructure:"auth_url"`
	ComputeURL    string `mapstructure:"compute_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	ProjectName   string `mapstructure:"project_name"`
	UserDomain    string `mapstructure:"user_domain"`
	ProjectDomain string `mapstructure:"project_domain"`
	Region        string `mapstructure:"region"`
}

type KerberosConfig struct {
	Config string `mapstructure:"config"`
	CCache string `mapstructure:"ccache"`
}

// NATSConfig enables outcome events when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Failure policies accepted by on_failure.
const (
	PolicyDeadLetter = "deadletter"
	PolicyHalt       = "halt"
)

// legacyEnv maps config keys to the variable names existing deployments set.
var legacyEnv = map[string]string{
	"log_level":             "LOG_LEVEL",
	"cmdb.url":              "AQ_URL",
	"cmdb.prefix":           "AQ_PREFIX",
	"rabbit.hosts":          "RABBIT_HOST",
	"rabbit.port":           "RABBIT_PORT",
	"rabbit.username":       "RABBIT_USERNAME",
	"rabbit.password":       "RABBIT_PASSWORD",
	"openstack.auth_url":    "OPENSTACK_AUTH_URL",
	"openstack.compute_url": "OPENSTACK_COMPUTE_URL",
	"openstack.username":    "OPENSTACK_USERNAME",
	"openstack.password":    "OPENSTACK_PASSWORD",
	"kerberos.ccache":       "KRB5CCNAME",
	"kerberos.config":       "KRB5_CONFIG",
}

// SetDefaults registers every key with its default. Keys without a default
// are not picked up from the environment by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("on_failure", PolicyDeadLetter)

	v.SetDefault("cmdb.url", "")
	v.SetDefault("cmdb.prefix", "")
	v.SetDefault("cmdb.model", "vm-openstack")
	v.SetDefault("cmdb.ca_bundle", "/etc/grid-security/certificates/aquilon-gridpp-rl-ac-uk-chain.pem")
	v.SetDefault("cmdb.retry_max", 5)
	v.SetDefault("cmdb.backoff_factor", 100*time.Millisecond)
	v.SetDefault("cmdb.backoff_max", 30*time.Second)

	v.SetDefault("rabbit.hosts", "")
	v.SetDefault("rabbit.port", 5672)
	v.SetDefault("rabbit.username", "")
	v.SetDefault("rabbit.password", "")
	v.SetDefault("rabbit.queue", "ral.info")
	v.SetDefault("rabbit.exchange", "nova")
	v.SetDefault("rabbit.prefetch", 1)

	v.SetDefault("openstack.auth_url", "")
	v.SetDefault("openstack.compute_url", "")
	v.SetDefault("openstack.username", "")
	v.SetDefault("openstack.password", "")
	v.SetDefault("openstack.project_name", "admin")
	v.SetDefault("openstack.user_domain", "Default")
	v.SetDefault("openstack.project_domain", "default")
	v.SetDefault("openstack.region", "")

	v.SetDefault("kerberos.config", "/etc/krb5.conf")
	v.SetDefault("kerberos.ccache", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "reconciler.events")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("storage.path", "./data/deadletters")
	v.SetDefault("trace.enabled", false)
}

// Load reads the config file set on v (if any) and the environment, and
// returns the result without validating it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "RECONCILER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// RabbitHosts returns the configured broker hosts with blanks removed.
func (c *Config) RabbitHosts() []string {
	var out []string
	for _, h := range strings.Split(c.Rabbit.Hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Validate checks everything the serve command needs.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return NewValidationError("log_level", c.LogLevel, "must be debug, info, warn or error")
	}
	if c.OnFailure != PolicyDeadLetter && c.OnFailure != PolicyHalt {
		return NewValidationError("on_failure", c.OnFailure, "must be deadletter or halt")
	}
	if err := c.ValidateCMDB(); err != nil {
		return err
	}
	if err := c.ValidateOpenStack(); err != nil {
		return err
	}
	if err := c.ValidateRabbit(); err != nil {
		return err
	}
	if c.OnFailure == PolicyDeadLetter {
		if err := c.ValidateStorage(); err != nil {
			return err
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return NewValidationError("server.shutdown_timeout", c.Server.ShutdownTimeout, "must be positive")
	}
	return nil
}

func (c *Config) ValidateCMDB() error {
	if c.CMDB.URL == "" {
		return NewValidationError("cmdb.url", c.CMDB.URL, "cannot be empty (AQ_URL)")
	}
	u, err := url.Parse(c.CMDB.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return NewValidationError("cmdb.url", c.CMDB.URL, "must be an http(s) URL")
	}
	if c.CMDB.Prefix == "" {
		return NewValidationError("cmdb.prefix", c.CMDB.Prefix, "cannot be empty (AQ_PREFIX)")
	}
	if c.CMDB.RetryMax < 0 {
		return NewValidationError("cmdb.retry_max", c.CMDB.RetryMax, "cannot be negative")
	}
	if c.CMDB.BackoffFactor <= 0 {
		return NewValidationError("cmdb.backoff_factor", c.CMDB.BackoffFactor, "must be positive")
	}
	return nil
}

func (c *Config) ValidateOpenStack() error {
	if c.OpenStack.AuthURL == "" {
		return NewValidationError("openstack.auth_url", c.OpenStack.AuthURL, "cannot be empty (OPENSTACK_AUTH_URL)")
	}
	if c.OpenStack.Username == "" {
		return NewValidationError("openstack.username", c.OpenStack.Username, "cannot be empty (OPENSTACK_USERNAME)")
	}
	if c.OpenStack.Password == "" {
		return NewValidationError("openstack.password", "", "cannot be empty (OPENSTACK_PASSWORD)")
	}
	return nil
}

func (c *Config) ValidateRabbit() error {
	if len(c.RabbitHosts()) == 0 {
		return NewValidationError("rabbit.hosts", c.Rabbit.Hosts, "no rabbit hosts provided (RABBIT_HOST)")
	}
	if c.Rabbit.Port <= 0 || c.Rabbit.Port > 65535 {
		return NewValidationError("rabbit.port", c.Rabbit.Port, "must be a valid port")
	}
	if c.Rabbit.Username == "" {
		return NewValidationError("rabbit.username", c.Rabbit.Username, "cannot be empty (RABBIT_USERNAME)")
	}
	if c.Rabbit.Queue == "" {
		return NewValidationError("rabbit.queue", c.Rabbit.Queue, "cannot be empty")
	}
	if c.Rabbit.Prefetch <= 0 {
		return NewValidationError("rabbit.prefetch", c.Rabbit.Prefetch, "must be positive")
	}
	return nil
}

func (c *Config) ValidateStorage() error {
	if c.Storage.Path == "" {
		return NewValidationError("storage.path", c.Storage.Path, "cannot be empty")
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field string
	Value interface{}
	Rule  string
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, rule string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Rule: rule}
}

func (e *ValidationError) Error() string {
	return "validation failed for field " + e.Field + ": " + e.Rule
}
