package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setServeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AQ_URL", "https://aquilon.example:6901")
	t.Setenv("AQ_PREFIX", "vm-openstack-prod-")
	t.Setenv("RABBIT_HOST", "rabbit1.example, rabbit2.example")
	t.Setenv("RABBIT_PORT", "5671")
	t.Setenv("RABBIT_USERNAME", "svc")
	t.Setenv("RABBIT_PASSWORD", "s3cret")
	t.Setenv("OPENSTACK_AUTH_URL", "https://keystone.example:5000/v3")
	t.Setenv("OPENSTACK_COMPUTE_URL", "https://nova.example:8774/v2.1")
	t.Setenv("OPENSTACK_USERNAME", "admin")
	t.Setenv("OPENSTACK_PASSWORD", "pw")
}

func TestLoadLegacyEnvironment(t *testing.T) {
	setServeEnv(t)
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://aquilon.example:6901", cfg.CMDB.URL)
	assert.Equal(t, "vm-openstack-prod-", cfg.CMDB.Prefix)
	assert.Equal(t, 5671, cfg.Rabbit.Port)
	assert.Equal(t, "s3cret", cfg.Rabbit.Password)
	assert.Equal(t, []string{"rabbit1.example", "rabbit2.example"}, cfg.RabbitHosts())
	assert.Equal(t, "https://nova.example:8774/v2.1", cfg.OpenStack.ComputeURL)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, PolicyDeadLetter, cfg.OnFailure)
	assert.Equal(t, "vm-openstack", cfg.CMDB.Model)
	assert.Equal(t, 5, cfg.CMDB.RetryMax)
	assert.Equal(t, 100*time.Millisecond, cfg.CMDB.BackoffFactor)
	assert.Equal(t, 5672, cfg.Rabbit.Port)
	assert.Equal(t, "ral.info", cfg.Rabbit.Queue)
	assert.Equal(t, "nova", cfg.Rabbit.Exchange)
	assert.Equal(t, 1, cfg.Rabbit.Prefetch)
	assert.Equal(t, "admin", cfg.OpenStack.ProjectName)
	assert.Equal(t, "reconciler.events", cfg.NATS.Subject)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadPrefixedEnvironment(t *testing.T) {
	t.Setenv("RECONCILER_ON_FAILURE", "halt")
	t.Setenv("RECONCILER_NATS_URL", "nats://nats.example:4222")
	t.Setenv("RECONCILER_CMDB_RETRY_MAX", "2")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, PolicyHalt, cfg.OnFailure)
	assert.Equal(t, "nats://nats.example:4222", cfg.NATS.URL)
	assert.Equal(t, 2, cfg.CMDB.RetryMax)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
on_failure: halt
cmdb:
  url: https://aquilon.example
  prefix: vm-
  backoff_factor: 250ms
rabbit:
  queue: ral.test
trace:
  enabled: true
`), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, PolicyHalt, cfg.OnFailure)
	assert.Equal(t, "https://aquilon.example", cfg.CMDB.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.CMDB.BackoffFactor)
	assert.Equal(t, "ral.test", cfg.Rabbit.Queue)
	assert.True(t, cfg.Trace.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "chatty" }, field: "log_level"},
		{name: "bad policy", mutate: func(c *Config) { c.OnFailure = "retry" }, field: "on_failure"},
		{name: "no cmdb url", mutate: func(c *Config) { c.CMDB.URL = "" }, field: "cmdb.url"},
		{name: "cmdb url without scheme", mutate: func(c *Config) { c.CMDB.URL = "aquilon.example" }, field: "cmdb.url"},
		{name: "no prefix", mutate: func(c *Config) { c.CMDB.Prefix = "" }, field: "cmdb.prefix"},
		{name: "no backoff", mutate: func(c *Config) { c.CMDB.BackoffFactor = 0 }, field: "cmdb.backoff_factor"},
		{name: "no openstack auth", mutate: func(c *Config) { c.OpenStack.AuthURL = "" }, field: "openstack.auth_url"},
		{name: "blank rabbit hosts", mutate: func(c *Config) { c.Rabbit.Hosts = " , " }, field: "rabbit.hosts"},
		{name: "bad port", mutate: func(c *Config) { c.Rabbit.Port = 70000 }, field: "rabbit.port"},
		{name: "no storage for dead letters", mutate: func(c *Config) { c.Storage.Path = "" }, field: "storage.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setServeEnv(t)
			cfg, err := Load(viper.New())
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestHaltPolicyNeedsNoStorage(t *testing.T) {
	setServeEnv(t)
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	cfg.OnFailure = PolicyHalt
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}
