package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapsync/internal/sync"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ldapsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
[servers.corp]
url = "ldap://ldap.example.com:389"
base_dn = "dc=example,dc=com"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "subordinate", cfg.Sync.SubgroupPolicy)
	assert.False(t, cfg.Sync.RefreshAttributesOnSync)
	assert.Equal(t, "localhost:2181", cfg.ZooKeeper.Endpoint)
	assert.Equal(t, 1, cfg.ZooKeeper.TimeoutSeconds)

	server, err := cfg.Server("")
	require.NoError(t, err)
	assert.Equal(t, 30, server.TimeoutSeconds)
	assert.Equal(t, "uid", server.UsernameAttr)
	assert.Equal(t, "cn", server.GroupNameAttr)
	assert.Equal(t, "member", server.GroupMemberAttr)
	assert.Equal(t, "memberUid", server.PosixMemberAttr)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[logging]
level = "debug"
format = "json"

[store]
backend = "postgres"
dsn = "postgres://sync@db/identity"

[sync]
subgroup_policy = "nested"
force_username_lowercase = true
refresh_attributes_on_sync = true

[servers.corp]
url = "ldaps://ldap.example.com:636"
base_dn = "dc=example,dc=com"
timeout_seconds = 5
username_attr = "sAMAccountName"

[zookeeper]
endpoint = "zk1:2181"
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, sync.PolicyNested, cfg.Policy())
	assert.True(t, cfg.CasePolicy().ForceLowercase)
	assert.True(t, cfg.Sync.RefreshAttributesOnSync)
	assert.Equal(t, "zk1:2181", cfg.ZooKeeper.Endpoint)

	server, err := cfg.Server("corp")
	require.NoError(t, err)
	assert.Equal(t, "sAMAccountName", server.UsernameAttr)
	assert.Equal(t, 5, server.TimeoutSeconds)

	dirCfg := server.Directory()
	assert.Equal(t, "ldaps://ldap.example.com:636", dirCfg.URL)
	assert.Equal(t, 5*time.Second, dirCfg.Timeout)
	assert.Equal(t, "sAMAccountName", dirCfg.UsernameAttr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing url", "[servers.corp]\nbase_dn = \"dc=example,dc=com\"\n"},
		{"missing base_dn", "[servers.corp]\nurl = \"ldap://x\"\n"},
		{"bad policy", minimalConfig + "[sync]\nsubgroup_policy = \"sideways\"\n"},
		{"bad backend", minimalConfig + "[store]\nbackend = \"sqlite\"\n"},
		{"postgres without dsn", minimalConfig + "[store]\nbackend = \"postgres\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestConfig_ServerSelection(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[servers.corp]
url = "ldap://corp"
base_dn = "dc=corp"

[servers.lab]
url = "ldap://lab"
base_dn = "dc=lab"
`))
	require.NoError(t, err)

	t.Run("named lookup", func(t *testing.T) {
		server, err := cfg.Server("lab")
		require.NoError(t, err)
		assert.Equal(t, "ldap://lab", server.URL)
	})

	t.Run("empty name ambiguous with two servers", func(t *testing.T) {
		_, err := cfg.Server("")
		assert.Error(t, err)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := cfg.Server("nope")
		assert.Error(t, err)
	})
}

func TestLoggingConfig_BuildLogger(t *testing.T) {
	log, err := LoggingConfig{Level: "debug", Format: "json"}.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, log)

	_, err = LoggingConfig{Level: "noisy", Format: "json"}.BuildLogger()
	assert.Error(t, err)

	_, err = LoggingConfig{Level: "info", Format: "yaml"}.BuildLogger()
	assert.Error(t, err)
}
