package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[general]
local_repo_path = /var/lib/deployer/repos
beanstalk_host = queue.internal
api_port = 8090
haproxy_user = admin
haproxy_pass = secret
notify_mails = ops@example.com,dev@example.com
carbon_host = graphite.internal
check_releases_ignore_environments = sandbox,demo

[database]
connection = postgres://deployer:pw@db.internal/deployer?sslmode=disable

[mail]
mta = smtp.internal
sender = deployer@example.com

[cluster]
deployers_urls = http://deployer-1:8080,http://deployer-2:8080
this_deployer_url = http://deployer-1:8080
this_deployer_username = deployer
this_deployer_token = tok

[inventory]
activate = true
api_host = http://inventory.internal
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/deployer/repos", cfg.General.LocalRepoPath)
	assert.Equal(t, "queue.internal", cfg.General.BeanstalkHost)
	assert.Equal(t, 8090, cfg.General.APIPort)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, cfg.General.NotifyMails)
	assert.Equal(t, []string{"sandbox", "demo"}, cfg.General.CheckReleasesIgnoreEnvironments)
	assert.Equal(t, []string{"http://deployer-1:8080", "http://deployer-2:8080"}, cfg.Cluster.DeployersURLs)
	assert.True(t, cfg.Inventory.Activate)
}

func TestLoadStringDefaults(t *testing.T) {
	cfg, err := LoadString(`
[general]
local_repo_path = /tmp/repos
[database]
connection = postgres://localhost/deployer
`)
	require.NoError(t, err)

	assert.Equal(t, DefaultBeanstalkHost, cfg.General.BeanstalkHost)
	assert.Equal(t, DefaultBeanstalkPort, cfg.General.BeanstalkPort)
	assert.Equal(t, DefaultAPIPort, cfg.General.APIPort)
	assert.Equal(t, DefaultWebsocketPort, cfg.General.WebsocketPort)
	assert.Equal(t, DefaultLogLevel, cfg.General.LogLevel)
	assert.Equal(t, DefaultCheckReleasesFrequency, cfg.General.CheckReleasesFrequency)
	assert.Equal(t, DefaultInventoryFrequency, cfg.Inventory.UpdateFrequency)
	assert.NoError(t, cfg.Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			"missing repo path",
			func(c *Config) { c.General.LocalRepoPath = "" },
			"general.local_repo_path is required",
		},
		{
			"missing database",
			func(c *Config) { c.Database.Connection = "" },
			"database.connection is required",
		},
		{
			"bad port",
			func(c *Config) { c.General.APIPort = 70000 },
			"general.api_port 70000 out of range",
		},
		{
			"inventory without host",
			func(c *Config) { c.Inventory.Activate = true; c.Inventory.APIHost = "" },
			"inventory.api_host is required",
		},
		{
			"bad peer url",
			func(c *Config) { c.Cluster.DeployersURLs = []string{"deployer-1:8080"} },
			"not an HTTP URL",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(sampleConfig)
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
